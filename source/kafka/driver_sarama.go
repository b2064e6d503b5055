package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"dsforge/internal/logging"
)

type recordID struct {
	topic     string
	partition int32
	offset    int64
}

// recheck bounds how long a throttled claim waits for a release that was
// resolved on another claim's goroutine.
const recheck = 100 * time.Millisecond

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	lim   *Limiter

	mu         sync.Mutex
	pending    map[recordID]func()
	lastCommit time.Time

	ackCh chan recordID
}

func (d *SaramaDriver) Configure(config Config) error {
	ApplyDefaults(&config)
	d.init(config)

	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func (d *SaramaDriver) init(config Config) {
	d.cfg = config
	d.pending = make(map[recordID]func())
	d.lim = NewLimiter(config.BackPressure.Capacity)
	d.ackCh = make(chan recordID, int(config.BackPressure.Capacity))
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc) error {
	handler := &groupHandler{driver: d, emit: emit}
	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: consumer error", "err", err)
		}
	}()

	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *SaramaDriver) Close() error {
	if d.group != nil {
		_ = d.group.Close()
	}
	if d.cl != nil {
		_ = d.cl.Close()
	}
	return nil
}

// ack queues rec for resolution on a claim goroutine; it never blocks.
func (d *SaramaDriver) ack(rec recordID) {
	select {
	case d.ackCh <- rec:
	default:
		logging.L().Warn("sarama-driver: ack channel full; resolving inline", "topic", rec.topic, "partition", rec.partition, "offset", rec.offset)
		d.resolve(rec)
	}
}

func (d *SaramaDriver) resolve(rec recordID) {
	d.mu.Lock()
	cb, ok := d.pending[rec]
	if ok {
		delete(d.pending, rec)
	}
	d.mu.Unlock()
	if ok {
		cb()
		d.lim.Release(1)
		logging.L().Debug("kafka submission resolved", "topic", rec.topic, "partition", rec.partition, "offset", rec.offset)
	}
}

// mark records msg as consumed and commits when the interval elapsed.
func (d *SaramaDriver) mark(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	sess.MarkMessage(msg, "")
	d.mu.Lock()
	due := time.Since(d.lastCommit) >= d.cfg.Checkpoint.CommitInt
	if due {
		d.lastCommit = time.Now()
	}
	d.mu.Unlock()
	if due {
		sess.Commit()
	}
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error {
	h.driver.mu.Lock()
	dropped := len(h.driver.pending)
	h.driver.pending = make(map[recordID]func())
	h.driver.mu.Unlock()

	if dropped > 0 {
		h.driver.lim.Release(int64(dropped))
		logging.L().Info("sarama-driver: rebalance cleared pending submissions", "count", dropped)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	d := h.driver
	tick := time.NewTicker(recheck)
	defer tick.Stop()

	for {
		msgs := claim.Messages()
		if !d.lim.Available() {
			msgs = nil
		}

		select {
		case <-sess.Context().Done():
			return nil

		case rec := <-d.ackCh:
			d.resolve(rec)

		case <-tick.C:

		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.lim.Take()
			rec := recordID{msg.Topic, msg.Partition, msg.Offset}
			sub := Submission{
				Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset,
				Key: msg.Key, Value: msg.Value, Headers: toHeaderMap(msg.Headers), Timestamp: msg.Timestamp,
				Done: func() {},
			}
			if d.cfg.CommitMode == CommitE2E {
				d.mu.Lock()
				d.pending[rec] = func() { d.mark(sess, msg) }
				d.mu.Unlock()
				var once sync.Once
				sub.Done = func() { once.Do(func() { d.ack(rec) }) }
			}

			if err := h.emit(sub); err != nil {
				d.mu.Lock()
				delete(d.pending, rec)
				d.mu.Unlock()
				d.lim.Release(1)
				return err
			}

			if d.cfg.CommitMode != CommitE2E {
				d.mark(sess, msg)
				d.lim.Release(1)
			}
		}
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
