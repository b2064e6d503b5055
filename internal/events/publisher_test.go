package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/internal/execution"
	"dsforge/internal/spec"
	"dsforge/internal/telemetry"
	"dsforge/sink"
)

type capture struct {
	mu     sync.Mutex
	msgs   []Message
	fail   bool
	closed bool
}

func (c *capture) Configure(any) error { return nil }

func (c *capture) Push(r sink.Record) error {
	if c.fail {
		return errors.New("broker down")
	}
	var m Message
	if err := json.Unmarshal(r.Value, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) Close() error { c.closed = true; return nil }

func (c *capture) kinds() []execution.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]execution.EventKind, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Kind
	}
	return out
}

func run(t *testing.T, p *Publisher, total int) {
	t.Helper()
	cfg := spec.Pipeline{Sources: []spec.Source{{DatasetID: "a"}}}
	tr := execution.NewTracker("e1", "out", cfg, execution.WithObserver(p.Observe))
	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(execution.StageAnnotationProcessing, 0))
	require.NoError(t, tr.EnterStage(execution.StageImageWriting, total))
	for i := 0; i < total; i++ {
		require.NoError(t, tr.Advance(1))
	}
	require.NoError(t, tr.Complete())
}

func TestPublisher_ThrottlesProgress(t *testing.T) {
	c := &capture{}
	run(t, NewPublisher(4, nil, Named{Name: "cap", Adapter: c}), 10)

	var progress []int
	for _, m := range c.msgs {
		if m.Kind == execution.EventProgress {
			progress = append(progress, m.Processed)
		}
	}
	assert.Equal(t, []int{4, 8, 10}, progress)
	kinds := c.kinds()
	assert.Equal(t, execution.EventCreated, kinds[0])
	assert.Equal(t, execution.EventDone, kinds[len(kinds)-1])

	last := c.msgs[len(c.msgs)-1]
	assert.Equal(t, "e1", last.ExecutionID)
	assert.Equal(t, "out", last.OutputDatasetID)
	assert.Equal(t, execution.StatusDone, last.Status)
}

func TestPublisher_NoThrottle(t *testing.T) {
	c := &capture{}
	run(t, NewPublisher(0, nil, Named{Name: "cap", Adapter: c}), 3)
	assert.Equal(t, []execution.EventKind{
		execution.EventCreated, execution.EventStarted, execution.EventStage, execution.EventStage,
		execution.EventProgress, execution.EventProgress, execution.EventProgress, execution.EventDone,
	}, c.kinds())
}

func TestPublisher_FailingSinkCountsDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	good, bad := &capture{}, &capture{fail: true}
	p := NewPublisher(0, m, Named{Name: "good", Adapter: good}, Named{Name: "bad", Adapter: bad})
	run(t, p, 1)

	assert.Len(t, good.msgs, 6)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("bad")))

	require.NoError(t, p.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
