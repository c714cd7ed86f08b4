// Package health собирает проверки зависимостей для /healthz и /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

type Status string

// Статусы упорядочены по тяжести: общий статус равен худшему из проверок.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report: тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Version       string           `json:"version,omitempty"`
	CheckedAt     time.Time        `json:"checked_at"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Checker проверяет одну зависимость; ctx ограничен таймаутом проверки.
type Checker interface {
	Check(ctx context.Context) Check
}

type probe struct {
	name     string
	checker  Checker
	critical bool
}

// Handler выполняет зарегистрированные проверки. Некритичная проверка
// при отказе понижает статус только до degraded.
type Handler struct {
	mu      sync.RWMutex
	probes  []probe
	version string
	timeout time.Duration
	started time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{version: version, timeout: defaultCheckTimeout, started: time.Now()}
}

// RegisterChecker добавляет критичную проверку. Повторное имя заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.add(probe{name: name, checker: checker, critical: true})
}

// RegisterOptional добавляет некритичную проверку.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.add(probe{name: name, checker: checker})
}

func (h *Handler) add(p probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = slices.DeleteFunc(h.probes, func(old probe) bool { return old.name == p.name })
	h.probes = append(h.probes, p)
}

// Evaluate запускает проверки параллельно под общим таймаутом.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	probes := slices.Clone(h.probes)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(chan Check, len(probes))
	for _, p := range probes {
		go func() { results <- p.run(ctx) }()
	}

	report := Report{
		Status:        StatusHealthy,
		Version:       h.version,
		CheckedAt:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks:        make(map[string]Check, len(probes)),
	}
	for range probes {
		c := <-results
		report.Checks[c.Name] = c
		if c.Status.severity() > report.Status.severity() {
			report.Status = c.Status
		}
	}
	return report
}

func (p probe) run(ctx context.Context) Check {
	c := p.checker.Check(ctx)
	c.Name = p.name
	c.Critical = p.critical
	if !p.critical && c.Status == StatusUnhealthy {
		c.Status = StatusDegraded
	}
	return c
}

// ServeHTTP отдаёт подробный отчёт; 503 только при отказе критичной проверки.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(report.Status))
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler отвечает "ready" или "not ready" без подробностей.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.Evaluate(r.Context()).Status
	body := "ready"
	if status == StatusUnhealthy {
		body = "not ready"
	}
	writeText(w, httpStatus(status), body)
}

// LivenessHandler: процесс жив, зависимости не проверяются.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// PingChecker превращает функцию ping (БД, Redis, брокер) в Checker.
type PingChecker func(ctx context.Context) error

func (f PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := f(ctx)
	c := Check{Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = StatusUnhealthy
		c.Message = err.Error()
	}
	return c
}

// StateChecker сообщает degraded, пока функция возвращает непустое описание проблемы.
// Подходит для circuit breaker-а внешнего поставщика.
type StateChecker func() string

func (f StateChecker) Check(context.Context) Check {
	if msg := f(); msg != "" {
		return Check{Status: StatusDegraded, Message: msg}
	}
	return Check{Status: StatusHealthy}
}
