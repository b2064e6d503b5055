package engine

import (
	"context"
	"log/slog"

	"dsforge/internal/config"
	"dsforge/internal/logging"
	"dsforge/internal/spec"
	"dsforge/internal/telemetry"
	srckafka "dsforge/source/kafka"
)

// HeaderExecutionID optionally carries the caller's execution id on an
// intake message. Without it the message key is used, then a fresh id.
const HeaderExecutionID = "execution_id"

// Submitter is the part of Scheduler the intake uses.
type Submitter interface {
	Submit(ctx context.Context, id string, cfg spec.Pipeline) (*Handle, error)
}

// Intake turns messages of the intake topic into submissions. A message is
// resolved (its offset becomes committable) when it is rejected or when its
// execution reaches a terminal state.
type Intake struct {
	adapter srckafka.Adapter
	sched   Submitter
	metrics *telemetry.Metrics
	log     *slog.Logger
}

func NewIntake(a srckafka.Adapter, sched Submitter, m *telemetry.Metrics) *Intake {
	return &Intake{adapter: a, sched: sched, metrics: m, log: logging.L().With("component", "intake")}
}

// Run consumes until ctx is done.
func (in *Intake) Run(ctx context.Context) error {
	defer in.adapter.Close()
	return in.adapter.Run(ctx, func(sub srckafka.Submission) error {
		in.handle(ctx, sub)
		return nil
	})
}

func (in *Intake) handle(ctx context.Context, sub srckafka.Submission) {
	log := in.log.With("topic", sub.Topic, "partition", sub.Partition, "offset", sub.Offset)
	cfg, err := config.ParsePipelineJSON(sub.Value)
	if err != nil {
		log.Warn("intake message rejected", "err", err)
		in.count("invalid")
		in.resolve(sub)
		return
	}
	id := string(sub.Headers[HeaderExecutionID])
	if id == "" {
		id = string(sub.Key)
	}
	h, err := in.sched.Submit(ctx, id, cfg)
	if err != nil {
		log.Warn("intake submission rejected", "execution_id", id, "err", err)
		in.count("rejected")
		in.resolve(sub)
		return
	}
	in.count("accepted")
	log.Info("intake submission accepted", "execution_id", h.Job.ExecutionID)
	go func() {
		<-h.Done
		in.resolve(sub)
	}()
}

func (in *Intake) resolve(sub srckafka.Submission) {
	if sub.Done != nil {
		sub.Done()
	}
}

func (in *Intake) count(outcome string) {
	if in.metrics != nil {
		in.metrics.IntakeMessages.WithLabelValues(outcome).Inc()
	}
}
