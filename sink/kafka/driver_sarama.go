package kafka

import (
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"dsforge/internal/logging"
	"dsforge/sink"
)

type Config struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Acks    int16    `koanf:"required_acks"` // 0,1,-1
	// OnError is called for every record the producer failed to deliver.
	OnError func(error) `koanf:"-"`
}

var newProducer = sarama.NewAsyncProducer

type driver struct {
	cfg  Config
	p    sarama.AsyncProducer
	done chan struct{}
	once sync.Once
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return errors.New("kafka-sink: brokers and topic are required")
	}
	d.cfg = cfg

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	var err error
	if d.p, err = newProducer(cfg.Brokers, sc); err != nil {
		return err
	}
	d.done = make(chan struct{})
	go d.drainErrors()
	return nil
}

func (d *driver) drainErrors() {
	defer close(d.done)
	for perr := range d.p.Errors() {
		logging.L().Warn("kafka-sink: delivery failed", "topic", d.cfg.Topic, "err", perr.Err)
		if d.cfg.OnError != nil {
			d.cfg.OnError(perr.Err)
		}
	}
}

func (d *driver) Push(r sink.Record) error {
	d.p.Input() <- &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Key:   sarama.ByteEncoder(r.Key),
		Value: sarama.ByteEncoder(r.Value),
	}
	return nil
}

// Close flushes buffered records and waits for the error drain to finish.
func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	d.once.Do(func() {
		d.p.AsyncClose()
		<-d.done
	})
	return nil
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
