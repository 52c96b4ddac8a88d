// Package journal drains timing events from the bus into storage.
package journal

import (
	"context"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fpsched/internal/eventbus"
	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

type Config struct {
	// QueueSize bounds the bus subscription. Events arriving while it is
	// full are dropped and counted by the bus.
	QueueSize int
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		BatchSize:     32,
		FlushInterval: time.Second,
		RetryMax:      3,
		RetryBase:     100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = max(d.RetryMaxDelay, c.RetryBase)
	}
	return c
}

// Stats are cumulative record counts.
type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Retries uint64 `json:"retries"`
}

type Journal struct {
	store storage.Store
	runID string
	cfg   Config
	log   logx.Logger
	rng   *rand.Rand

	written atomic.Uint64
	failed  atomic.Uint64
	retries atomic.Uint64
}

func New(store storage.Store, runID string, cfg Config, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{
		store: store,
		runID: runID,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "journal"), logx.String("run_id", runID)),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers the journal's queue on bus. Call it before the
// scheduler starts so no event is missed, then hand the channel to Run.
func (j *Journal) Subscribe(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(j.cfg.QueueSize, "task.")
}

// Run persists events until ctx is done or events closes, then flushes
// what is pending with a short grace period.
func (j *Journal) Run(ctx context.Context, events <-chan eventbus.Event) error {
	tick := time.NewTicker(j.cfg.FlushInterval)
	defer tick.Stop()

	batch := make([]storage.Record, 0, j.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		j.write(ctx, batch)
		batch = batch[:0]
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		flush(fctx)
	}

	for {
		select {
		case <-ctx.Done():
			// Keep what is already buffered.
			for {
				select {
				case e, ok := <-events:
					if ok {
						if r, keep := j.record(e); keep {
							batch = append(batch, r)
						}
						continue
					}
				default:
				}
				break
			}
			final()
			return nil
		case e, ok := <-events:
			if !ok {
				final()
				return nil
			}
			r, keep := j.record(e)
			if !keep {
				continue
			}
			batch = append(batch, r)
			if len(batch) >= j.cfg.BatchSize {
				flush(ctx)
			}
		case <-tick.C:
			flush(ctx)
		}
	}
}

// write stores recs, retrying with jittered exponential backoff.
func (j *Journal) write(ctx context.Context, recs []storage.Record) {
	var err error
	for attempt := 0; attempt <= j.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			j.retries.Add(1)
			delay := j.backoff(attempt)
			j.log.Debug("journal retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				attempt = j.cfg.RetryMax
				continue
			case <-t.C:
			}
		}
		if err = j.store.Append(ctx, recs...); err == nil {
			j.written.Add(uint64(len(recs)))
			return
		}
	}
	j.failed.Add(uint64(len(recs)))
	j.log.Error("journal write failed", logx.Int("records", len(recs)), logx.Err(err))
}

// backoff is base*2^(attempt-1), capped, with up to 25% jitter either way.
func (j *Journal) backoff(attempt int) time.Duration {
	d := j.cfg.RetryBase << (attempt - 1)
	if d <= 0 || d > j.cfg.RetryMaxDelay {
		d = j.cfg.RetryMaxDelay
	}
	jitter := time.Duration(j.rng.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func (j *Journal) record(e eventbus.Event) (storage.Record, bool) {
	te, ok := e.Data.(periodic.TimingEvent)
	if !ok || !strings.HasPrefix(e.Type, "task.") {
		return storage.Record{}, false
	}
	return storage.Record{
		ID:          uuid.NewString(),
		RunID:       j.runID,
		Seq:         e.Seq,
		At:          e.Time,
		Type:        e.Type,
		Task:        te.Task,
		TaskID:      te.ID.String(),
		Kind:        string(te.Kind),
		Tick:        uint64(te.Tick),
		LastWake:    uint64(te.LastWake),
		AbsDeadline: uint64(te.AbsDeadline),
		ExecTime:    uint64(te.ExecTime),
		NextRelease: uint64(te.NextRelease),
		Recoveries:  te.Recoveries,
	}, true
}

func (j *Journal) Stats() Stats {
	return Stats{Written: j.written.Load(), Failed: j.failed.Load(), Retries: j.retries.Load()}
}
