package metrics

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 管线的 Prometheus 指标；nil 接收者上的方法都是空操作
type Metrics struct {
    QueueEnqueued *prometheus.CounterVec
    QueueDequeued *prometheus.CounterVec
    QueueDropped  *prometheus.CounterVec
    QueueSize     *prometheus.GaugeVec

    StreamReceived   *prometheus.CounterVec
    ValidationErrors *prometheus.CounterVec
    StreamReconnects *prometheus.CounterVec

    HandlerExecutions *prometheus.CounterVec
    HandlerFailures   *prometheus.CounterVec
    HandlerRetries    *prometheus.CounterVec

    CommandEnqueued   prometheus.Counter
    CommandDequeued   prometheus.Counter
    CommandDropped    prometheus.Counter
    CommandQueueSize  prometheus.Gauge
    CommandExecutions *prometheus.CounterVec
    CommandFailures   *prometheus.CounterVec
    CommandUnhandled  prometheus.Counter
}

// New 在 reg 上注册全部指标；reg 为 nil 时不注册
func New(namespace string, reg prometheus.Registerer) *Metrics {
    if namespace == "" {
        namespace = "bot"
    }
    f := promauto.With(reg)
    byType := []string{"event_type"}
    byTable := []string{"table"}
    return &Metrics{
        QueueEnqueued: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "queue_events_enqueued_total", Help: "Events accepted into a per-type queue.",
        }, byType),
        QueueDequeued: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "queue_events_dequeued_total", Help: "Events taken from a per-type queue.",
        }, byType),
        QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "queue_events_dropped_total", Help: "Events dropped by backpressure.",
        }, byType),
        QueueSize: f.NewGaugeVec(prometheus.GaugeOpts{
            Namespace: namespace, Name: "queue_size", Help: "Current per-type queue depth.",
        }, byType),
        StreamReceived: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "shape_stream_events_received_total", Help: "Data records received from the change stream.",
        }, byTable),
        ValidationErrors: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "schema_validation_errors_total", Help: "Change records dropped because they failed to decode.",
        }, byTable),
        StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "shape_stream_reconnects_total", Help: "Subscriptions reopened after a transport error.",
        }, byTable),
        HandlerExecutions: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "handler_executions_total", Help: "Handler invocations including retries.",
        }, byType),
        HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "handler_failures_total", Help: "Handler invocations that exhausted every retry.",
        }, byType),
        HandlerRetries: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "handler_retries_total", Help: "Handler retries.",
        }, byType),
        CommandEnqueued: f.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_queue_enqueued_total", Help: "Commands accepted into the command buffer.",
        }),
        CommandDequeued: f.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_queue_dequeued_total", Help: "Commands taken from the command buffer.",
        }),
        CommandDropped: f.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_queue_dropped_total", Help: "Commands dropped by backpressure.",
        }),
        CommandQueueSize: f.NewGauge(prometheus.GaugeOpts{
            Namespace: namespace, Name: "command_queue_size", Help: "Current command buffer depth.",
        }),
        CommandExecutions: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_executions_total", Help: "Command handler invocations.",
        }, []string{"command"}),
        CommandFailures: f.NewCounterVec(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_failures_total", Help: "Command handler failures.",
        }, []string{"command"}),
        CommandUnhandled: f.NewCounter(prometheus.CounterOpts{
            Namespace: namespace, Name: "command_unhandled_total", Help: "Commands with no registered handler.",
        }),
    }
}

func (m *Metrics) Enqueued(t string, size int) {
    if m == nil {
        return
    }
    m.QueueEnqueued.WithLabelValues(t).Inc()
    m.QueueSize.WithLabelValues(t).Set(float64(size))
}

func (m *Metrics) Dequeued(t string, size int) {
    if m == nil {
        return
    }
    m.QueueDequeued.WithLabelValues(t).Inc()
    m.QueueSize.WithLabelValues(t).Set(float64(size))
}

func (m *Metrics) Dropped(t string) {
    if m == nil {
        return
    }
    m.QueueDropped.WithLabelValues(t).Inc()
}

func (m *Metrics) Received(table string) {
    if m == nil {
        return
    }
    m.StreamReceived.WithLabelValues(table).Inc()
}

func (m *Metrics) Invalid(table string) {
    if m == nil {
        return
    }
    m.ValidationErrors.WithLabelValues(table).Inc()
}

func (m *Metrics) Reconnected(table string) {
    if m == nil {
        return
    }
    m.StreamReconnects.WithLabelValues(table).Inc()
}

func (m *Metrics) Executed(t string) {
    if m == nil {
        return
    }
    m.HandlerExecutions.WithLabelValues(t).Inc()
}

func (m *Metrics) Failed(t string) {
    if m == nil {
        return
    }
    m.HandlerFailures.WithLabelValues(t).Inc()
}

func (m *Metrics) Retried(t string) {
    if m == nil {
        return
    }
    m.HandlerRetries.WithLabelValues(t).Inc()
}

func (m *Metrics) CommandQueued(size int) {
    if m == nil {
        return
    }
    m.CommandEnqueued.Inc()
    m.CommandQueueSize.Set(float64(size))
}

func (m *Metrics) CommandTaken(size int) {
    if m == nil {
        return
    }
    m.CommandDequeued.Inc()
    m.CommandQueueSize.Set(float64(size))
}

func (m *Metrics) CommandDrop() {
    if m == nil {
        return
    }
    m.CommandDropped.Inc()
}

func (m *Metrics) CommandRun(name string) {
    if m == nil {
        return
    }
    m.CommandExecutions.WithLabelValues(name).Inc()
}

func (m *Metrics) CommandFail(name string) {
    if m == nil {
        return
    }
    m.CommandFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) CommandMiss() {
    if m == nil {
        return
    }
    m.CommandUnhandled.Inc()
}
