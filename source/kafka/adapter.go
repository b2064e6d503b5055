package kafka

import (
	"context"
	"time"
)

// Submission is one pipeline submission read from the intake topic. Done
// must be called exactly once when the submission is resolved: rejected,
// or its execution reached a terminal state.
type Submission struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
	Done      func()
}

type EmitFunc func(Submission) error

type Adapter interface {
	Configure(Config) error
	Run(context.Context, EmitFunc) error
	Close() error
}
