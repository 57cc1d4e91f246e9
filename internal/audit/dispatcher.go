// Package audit ships security events to analytics sinks off the request path.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-security/internal/bucketing"
	"account-security/internal/config"
	"account-security/internal/models"
	"account-security/internal/util"
)

// Sink receives batches of events. A failing sink never affects the others.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

// Recorder is what request handlers see.
type Recorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// Dispatcher buffers events and flushes them in batches, by size or on a timer.
type Dispatcher struct {
	cfg       config.AuditConfig
	sinks     []Sink
	buckets   *bucketing.BucketingManager
	now       func() time.Time
	ch        chan models.SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher returns nil when auditing is disabled; a nil Dispatcher
// accepts and discards events.
func NewDispatcher(cfg config.AuditConfig, buckets *bucketing.BucketingManager, sinks ...Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	d := &Dispatcher{
		cfg:     cfg,
		sinks:   sinks,
		buckets: buckets,
		now:     time.Now,
		ch:      make(chan models.SecurityEvent, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.SecurityEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.write(batch)
		batch = make([]models.SecurityEvent, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case event := <-d.ch:
			batch = append(batch, event)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					batch = append(batch, event)
					if len(batch) >= d.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(batch []models.SecurityEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.Write(ctx, batch); err != nil {
			util.Warn("Audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		cancel()
	}
}

// Record stamps the event with an id, time and partition and queues it.
// With DropIfFull it never blocks; otherwise it waits for room or ctx.
func (d *Dispatcher) Record(ctx context.Context, event models.SecurityEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	d.stamp(&event)

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

func (d *Dispatcher) stamp(event *models.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = d.now().UTC()
	}
	if d.buckets != nil {
		key := event.AccountID
		if key == "" {
			key = event.IPAddress
		}
		event.EventBucket = d.buckets.EventBucket(key)
		event.EventDate = d.buckets.DateBucket(event.EventTime)
	} else {
		event.EventDate = event.EventTime.Format(time.DateOnly)
	}
}

// Close stops intake, drains the buffer and flushes the final batch.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		if n := d.dropped.Load(); n > 0 {
			util.Warn("Audit events dropped", zap.Uint64("count", n))
		}
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
