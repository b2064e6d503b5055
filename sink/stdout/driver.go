// dsforge/sink/stdout/driver.go
package stdout

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"dsforge/sink"
)

/* ────────── config ────────── */
type Config struct {
	PrintCounter bool      `koanf:"print_counter"` // prepend seq#
	BatchSize    int       `koanf:"batch_size"`    // 0 = write every record
	FlushMS      int       `koanf:"flush_ms"`      // 0 = flush only on batch/Close
	Out          io.Writer `koanf:"-"`             // default os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	seq uint64

	mu      sync.Mutex // guards pending+timer+seq
	pending []sink.Record
	timer   *time.Timer // nil → no timer armed
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Push(r sink.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, r)

	/* 1. flush on batch size */
	if d.cfg.BatchSize <= 1 || len(d.pending) >= d.cfg.BatchSize {
		return d.flushLocked()
	}

	/* 2. arm the one-shot timer if needed */
	if d.cfg.FlushMS > 0 && d.timer == nil {
		d.timer = time.AfterFunc(time.Duration(d.cfg.FlushMS)*time.Millisecond, d.timerFlush)
	}
	return nil
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

/* ────────── internals ────────── */

// called by the background timer goroutine
func (d *driver) timerFlush() {
	d.mu.Lock()
	_ = d.flushLocked()
	d.mu.Unlock()
}

// must be called with d.mu *held*
func (d *driver) flushLocked() error {
	defer d.stopTimerLocked() // re-arm on next Push if needed
	var first error
	for _, r := range d.pending {
		var err error
		if d.cfg.PrintCounter {
			d.seq++
			_, err = fmt.Fprintf(d.cfg.Out, "[sink %06d] %s\n", d.seq, r.Value)
		} else {
			_, err = fmt.Fprintf(d.cfg.Out, "%s\n", r.Value)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	d.pending = d.pending[:0]
	return first
}

func (d *driver) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
