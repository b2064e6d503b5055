package kafka

import (
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/sink"
)

func withMock(t *testing.T) *mocks.AsyncProducer {
	t.Helper()
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mp := mocks.NewAsyncProducer(t, cfg)
	prev := newProducer
	newProducer = func([]string, *sarama.Config) (sarama.AsyncProducer, error) { return mp, nil }
	t.Cleanup(func() { newProducer = prev })
	return mp
}

func TestDriver_PushDelivers(t *testing.T) {
	mp := withMock(t)
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(v []byte) error {
		if string(v) != `{"kind":"done"}` {
			return errors.New("unexpected value " + string(v))
		}
		return nil
	})

	d, err := sink.NewAdapter("kafka")
	require.NoError(t, err)
	require.NoError(t, d.Configure(Config{Brokers: []string{"b:9092"}, Topic: "dsforge.events", Acks: 1}))
	require.NoError(t, d.Push(sink.Record{Key: []byte("e1"), Value: []byte(`{"kind":"done"}`)}))

	msg := <-mp.Successes()
	assert.Equal(t, "dsforge.events", msg.Topic)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestDriver_DeliveryFailureReported(t *testing.T) {
	mp := withMock(t)
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	var (
		mu   sync.Mutex
		seen []error
	)
	d := &driver{}
	require.NoError(t, d.Configure(Config{
		Brokers: []string{"b:9092"}, Topic: "t",
		OnError: func(err error) { mu.Lock(); seen = append(seen, err); mu.Unlock() },
	}))
	require.NoError(t, d.Push(sink.Record{Key: []byte("e1"), Value: []byte("x")}))
	require.NoError(t, d.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], sarama.ErrOutOfBrokers)
}

func TestDriver_ConfigureValidates(t *testing.T) {
	d := &driver{}
	assert.Error(t, d.Configure("nope"))
	assert.Error(t, d.Configure(Config{Topic: "t"}))
	assert.NoError(t, d.Close())
}
