package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"sync"
	"time"
)

// scenarioStep: под этим именем копится сценарий целиком.
const scenarioStep = "scenario"

// latency: распределение задержек в миллисекундах.
type latency struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type stepResult struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latency          `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latency               `json:"scenario_latency_ms"`
	Steps             map[string]stepResult `json:"steps"`
}

// sample: один вызов шага.
type sample struct {
	took   time.Duration
	status string
	ok     bool
}

// collector копит вызовы из всех воркеров; агрегация только в buildReport.
type collector struct {
	mu      sync.Mutex
	samples map[string][]sample
}

func newCollector() *collector {
	return &collector{samples: make(map[string][]sample)}
}

// record учитывает вызов; status содержит HTTP-код или метку ошибки транспорта.
func (c *collector) record(step string, took time.Duration, status string, ok bool) {
	c.mu.Lock()
	c.samples[step] = append(c.samples[step], sample{took: took, status: status, ok: ok})
	c.mu.Unlock()
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	steps := make(map[string]stepResult, len(c.samples))
	for name, samples := range c.samples {
		steps[name] = summarize(samples)
	}
	c.mu.Unlock()

	r := report{StartedAt: startedAt.UTC(), DurationSeconds: elapsed.Seconds(), Steps: steps}
	if s, ok := steps[scenarioStep]; ok {
		r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios = s.Calls, s.Success, s.Failed
		r.ErrorRate = s.ErrorRate
		r.ScenarioLatencyMs = s.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}
	return r
}

func summarize(samples []sample) stepResult {
	res := stepResult{Calls: int64(len(samples)), Statuses: make(map[string]int64)}
	ms := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.ok {
			res.Success++
		} else {
			res.Failed++
		}
		res.Statuses[s.status]++
		ms = append(ms, float64(s.took.Microseconds())/1000)
	}
	res.ErrorRate = ratio(res.Failed, res.Calls)
	res.LatencyMs = distribution(ms)
	return res
}

func distribution(ms []float64) latency {
	if len(ms) == 0 {
		return latency{}
	}
	slices.Sort(ms)
	var total float64
	for _, v := range ms {
		total += v
	}
	return latency{
		Min: ms[0],
		Avg: total / float64(len(ms)),
		P50: percentile(ms, 50),
		P95: percentile(ms, 95),
		P99: percentile(ms, 99),
		Max: ms[len(ms)-1],
	}
}

// percentile интерполирует линейно между соседними рангами отсортированного среза.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
// os.Root отклоняет пути, выходящие за его пределы.
func writeJSONReport(path string, r report) error {
	root, err := os.OpenRoot(".")
	if err != nil {
		return err
	}
	defer root.Close()

	f, err := root.Create(path)
	if err != nil {
		return fmt.Errorf("report %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		_ = f.Close()
		return fmt.Errorf("report %s: %w", path, err)
	}
	return f.Close()
}

func printReport(w io.Writer, r report, cfg config) {
	l := r.ScenarioLatencyMs
	fmt.Fprintf(w, "Load test summary\nmode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate)
	fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", r.DurationSeconds, r.RPS)
	fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max)

	for _, name := range slices.Sorted(maps.Keys(r.Steps)) {
		if name == scenarioStep {
			continue
		}
		s := r.Steps[name]
		fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms statuses=%v\n",
			name, s.Calls, s.Success, s.Failed, s.ErrorRate, s.LatencyMs.P95, s.Statuses)
	}
}

// runTarget описывает условие остановки прогона.
func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
