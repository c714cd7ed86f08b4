// Package metrics содержит Prometheus-метрики конвейера исполнения заказов.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics содержит метрики конвейера исполнения.
type FulfillmentMetrics struct {
	// Исходы вызовов конвейера
	started   prometheus.Counter
	completed prometheus.Counter
	noop      *prometheus.CounterVec
	failed    *prometheus.CounterVec

	// Выдача по единицам
	unitsDelivered *prometheus.CounterVec
	unitsShort     prometheus.Counter
	mintFailures   prometheus.Counter

	notifyFailures prometheus.Counter

	duration     prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	inFlight prometheus.Gauge
}

// NewFulfillmentMetrics регистрирует метрики в глобальном реестре.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return NewFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewFulfillmentMetricsWithRegisterer регистрирует метрики в переданном реестре (для тестов).
func NewFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		started: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_started_total",
			Help: "Total number of fulfillment runs triggered by confirmed payments",
		}),
		completed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_completed_total",
			Help: "Total number of orders moved to completed",
		}),
		noop: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_noop_total",
			Help: "Total number of fulfillment runs that changed nothing, by reason",
		}, []string{"reason"}),
		failed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_failed_total",
			Help: "Total number of fulfillment runs that returned an error, by step",
		}, []string{"step"}),
		unitsDelivered: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_units_total",
			Help: "Total number of units allocated, by source",
		}, []string{"source"}),
		unitsShort: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_units_short_total",
			Help: "Total number of units that could not be allocated",
		}),
		mintFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_mint_failures_total",
			Help: "Total number of failed external key mint calls",
		}),
		notifyFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_fulfillment_notify_failures_total",
			Help: "Total number of failed key delivery notifications",
		}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "keyshop_fulfillment_duration_seconds",
			Help:    "Duration of fulfillment runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "keyshop_fulfillment_step_duration_seconds",
			Help:    "Duration of individual fulfillment steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "keyshop_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "keyshop_fulfillment_in_flight",
			Help: "Number of fulfillment runs currently executing",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordStarted увеличивает счётчик запусков и число активных прогонов.
func (m *FulfillmentMetrics) RecordStarted() {
	m.started.Inc()
	m.inFlight.Inc()
}

// RecordFinished фиксирует длительность прогона и уменьшает число активных.
func (m *FulfillmentMetrics) RecordFinished(duration time.Duration) {
	m.inFlight.Dec()
	m.duration.Observe(duration.Seconds())
}

// RecordCompleted увеличивает счётчик заказов, переведённых в completed.
func (m *FulfillmentMetrics) RecordCompleted() {
	m.completed.Inc()
}

// RecordNoop учитывает прогон без изменений: статус платежа, уже исполнен, терминальный заказ.
func (m *FulfillmentMetrics) RecordNoop(reason string) {
	m.noop.WithLabelValues(reason).Inc()
}

// RecordFailed учитывает прогон, завершившийся ошибкой на шаге step.
func (m *FulfillmentMetrics) RecordFailed(step string) {
	m.failed.WithLabelValues(step).Inc()
}

// RecordUnits учитывает выданные единицы по источнику: pool, external или physical.
func (m *FulfillmentMetrics) RecordUnits(source string, n int) {
	if n > 0 {
		m.unitsDelivered.WithLabelValues(source).Add(float64(n))
	}
}

// RecordShort учитывает невыданные единицы.
func (m *FulfillmentMetrics) RecordShort(n int) {
	if n > 0 {
		m.unitsShort.Add(float64(n))
	}
}

func (m *FulfillmentMetrics) RecordMintFailure() {
	m.mintFailures.Inc()
}

func (m *FulfillmentMetrics) RecordNotifyFailure() {
	m.notifyFailures.Inc()
}

// RecordStepDuration записывает время выполнения шага конвейера.
func (m *FulfillmentMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *FulfillmentMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *FulfillmentMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
