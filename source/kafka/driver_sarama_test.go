package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "m" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct{ ch chan *sarama.ConsumerMessage }

func (c *fakeClaim) Topic() string                            { return "subs" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func newDriver(mode CommitMode, capacity int64) *SaramaDriver {
	cfg := Config{CommitMode: mode, BackPressure: BackPressureCfg{Capacity: capacity}}
	ApplyDefaults(&cfg)
	d := &SaramaDriver{}
	d.init(cfg)
	return d
}

func message(off int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "subs", Offset: off, Value: []byte(`{}`),
		Headers: []*sarama.RecordHeader{{Key: []byte("trace"), Value: []byte("t1")}}}
}

func TestConsumeClaim_AutoMarksOnReceipt(t *testing.T) {
	d := newDriver(CommitAuto, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for i := int64(0); i < 3; i++ {
		claim.ch <- message(i)
	}
	close(claim.ch)

	var got []Submission
	h := &groupHandler{driver: d, emit: func(s Submission) error { got = append(got, s); return nil }}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	require.Len(t, got, 3)
	assert.Equal(t, []byte("t1"), got[0].Headers["trace"])
	assert.Equal(t, []int64{0, 1, 2}, sess.markedOffsets())
	assert.Zero(t, d.lim.InFlight())
}

func TestConsumeClaim_E2EMarksOnDoneAndThrottles(t *testing.T) {
	d := newDriver(CommitE2E, 1)
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim.ch <- message(10)
	claim.ch <- message(11)

	subs := make(chan Submission, 2)
	h := &groupHandler{driver: d, emit: func(s Submission) error { subs <- s; return nil }}
	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	first := <-subs
	assert.Empty(t, sess.markedOffsets())
	select {
	case <-subs:
		t.Fatal("second submission read while the limiter was full")
	case <-time.After(50 * time.Millisecond):
	}

	first.Done()
	first.Done()
	second := <-subs
	assert.Eventually(t, func() bool { return len(sess.markedOffsets()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11), second.Offset)

	cancel()
	require.NoError(t, <-done)
}

func TestConsumeClaim_EmitErrorStopsClaim(t *testing.T) {
	d := newDriver(CommitE2E, 4)
	sess := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- message(0)

	h := &groupHandler{driver: d, emit: func(Submission) error { return errors.New("engine closed") }}
	assert.Error(t, h.ConsumeClaim(sess, claim))
	assert.Zero(t, d.lim.InFlight())
	assert.Empty(t, d.pending)
}

func TestCleanup_ReleasesPending(t *testing.T) {
	d := newDriver(CommitE2E, 4)
	d.lim.Take()
	d.pending[recordID{"t", 0, 1}] = func() {}
	h := &groupHandler{driver: d}
	require.NoError(t, h.Cleanup(nil))
	assert.Zero(t, d.lim.InFlight())
	assert.Empty(t, d.pending)
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	ApplyDefaults(&c)
	assert.Equal(t, CommitAuto, c.CommitMode)
	assert.Equal(t, "newest", c.StartFrom)
	assert.Equal(t, int64(64), c.BackPressure.Capacity)
	assert.Equal(t, []string{"dsforge.submissions"}, c.Topics)

	_, err := NewAdapter("confluent")
	assert.Error(t, err)
	a, err := NewAdapter("sarama")
	require.NoError(t, err)
	assert.IsType(t, &SaramaDriver{}, a)
}
