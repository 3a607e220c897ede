package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
    reg := prometheus.NewRegistry()
    m := New("bot", reg)
    m.Enqueued("messages.insert", 1)
    m.Enqueued("messages.insert", 2)
    m.Dequeued("messages.insert", 1)
    m.Dropped("messages.insert")
    m.CommandQueued(1)
    m.CommandMiss()

    assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueEnqueued.WithLabelValues("messages.insert")))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueSize.WithLabelValues("messages.insert")))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped.WithLabelValues("messages.insert")))
    assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandEnqueued))

    n, err := testutil.GatherAndCount(reg, "bot_queue_events_enqueued_total", "bot_command_unhandled_total")
    require.NoError(t, err)
    assert.Equal(t, 2, n)
}

func TestNilMetrics(t *testing.T) {
    var m *Metrics
    m.Enqueued("x.insert", 1)
    m.Failed("x.insert")
    m.CommandFail("echo")
}
