// Package events fans execution tracker events out to the configured sinks.
package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"dsforge/internal/execution"
	"dsforge/internal/logging"
	"dsforge/internal/telemetry"
	"dsforge/sink"
)

// Message is the wire shape of one event.
type Message struct {
	Kind            execution.EventKind `json:"kind"`
	ExecutionID     string              `json:"execution_id"`
	OutputDatasetID string              `json:"output_dataset_id"`
	Status          execution.Status    `json:"status"`
	Stage           execution.Stage     `json:"stage,omitempty"`
	Processed       int                 `json:"processed"`
	Total           int                 `json:"total"`
	Error           string              `json:"error,omitempty"`
	At              time.Time           `json:"at"`
}

func NewMessage(ev execution.Event) Message {
	e := ev.Execution
	return Message{
		Kind:            ev.Kind,
		ExecutionID:     e.ID,
		OutputDatasetID: e.OutputDatasetID,
		Status:          e.Status,
		Stage:           e.Stage,
		Processed:       e.Processed,
		Total:           e.Total,
		Error:           e.ErrorMessage,
		At:              ev.At.UTC(),
	}
}

// Named pairs a configured sink with its registry name.
type Named struct {
	Name string
	sink.Adapter
}

// Publisher is safe for concurrent use by many trackers.
type Publisher struct {
	sinks   []Named
	every   int
	metrics *telemetry.Metrics

	mu   sync.Mutex
	last map[string]int // execution id -> processed count last published
}

// NewPublisher publishes every non-progress event; progress events are
// published when at least every images were processed since the last one,
// and always when the stage total is reached. every <= 1 publishes all.
func NewPublisher(every int, metrics *telemetry.Metrics, sinks ...Named) *Publisher {
	return &Publisher{sinks: sinks, every: every, metrics: metrics, last: map[string]int{}}
}

// Observe satisfies execution.Observer.
func (p *Publisher) Observe(ev execution.Event) {
	if !p.admit(ev) {
		return
	}
	msg := NewMessage(ev)
	raw, err := json.Marshal(msg)
	if err != nil {
		logging.L().Error("events: encode", "execution_id", msg.ExecutionID, "err", err)
		return
	}
	rec := sink.Record{Key: []byte(msg.ExecutionID), Value: raw}
	for _, s := range p.sinks {
		if err := s.Push(rec); err != nil {
			logging.L().Warn("events: push failed", "sink", s.Name, "execution_id", msg.ExecutionID, "err", err)
			p.dropped(s.Name)
		}
	}
}

func (p *Publisher) admit(ev execution.Event) bool {
	id := ev.Execution.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case execution.EventProgress:
		if p.every <= 1 {
			return true
		}
		n, total := ev.Execution.Processed, ev.Execution.Total
		if n-p.last[id] >= p.every || n == total {
			p.last[id] = n
			return true
		}
		return false
	case execution.EventStage:
		p.last[id] = ev.Execution.Processed
	case execution.EventDone, execution.EventFailed:
		delete(p.last, id)
	}
	return true
}

func (p *Publisher) dropped(name string) {
	if p.metrics != nil {
		p.metrics.EventsDropped.WithLabelValues(name).Inc()
	}
}

// Close flushes and closes every sink.
func (p *Publisher) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
