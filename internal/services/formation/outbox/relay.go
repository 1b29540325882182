package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/formation/internal/platform/timeouts"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/storage"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 2 * time.Second
	maxErrorLength      = 512
)

// ErrStoreRequired indicates a missing outbox store.
var ErrStoreRequired = errors.New("outbox store is required")

// ErrPublisherRequired indicates a missing publisher.
var ErrPublisherRequired = errors.New("outbox publisher is required")

// Publisher delivers one committed event. Delivery is at least once;
// consumers deduplicate on subject and sequence.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Observer receives relay outcomes. Implemented by the metrics layer.
type Observer interface {
	OutboxPublished(kind string, err error)
}

// Config tunes the relay loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Relay drains an outbox store into a publisher.
type Relay struct {
	store     storage.OutboxStore
	publisher Publisher
	cfg       Config
	observer  Observer
	now       func() time.Time
	logf      func(string, ...any)
}

// Option configures a Relay.
type Option func(*Relay)

// WithObserver reports publish outcomes.
func WithObserver(observer Observer) Option {
	return func(r *Relay) { r.observer = observer }
}

// WithClock overrides the relay clock.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithLogf overrides log.Printf.
func WithLogf(logf func(string, ...any)) Option {
	return func(r *Relay) { r.logf = logf }
}

// NewRelay creates a relay.
func NewRelay(store storage.OutboxStore, publisher Publisher, cfg Config, opts ...Option) (*Relay, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}
	r := &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg.normalized(),
		now:       time.Now,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.drain(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain processes full batches back to back so a backlog does not wait for
// the next tick.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := r.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logf("outbox relay failed: %v", err)
			}
			return
		}
		if processed < r.cfg.BatchSize {
			return
		}
	}
}

// ProcessOnce claims one batch and publishes it. It returns how many rows
// were claimed.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimOutbox(ctx, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	for _, entry := range entries {
		if err := r.publishEntry(ctx, entry); err != nil {
			return len(entries), err
		}
	}
	return len(entries), nil
}

func (r *Relay) publishEntry(ctx context.Context, entry storage.OutboxEntry) error {
	evt := entry.Event
	publishCtx, cancel := context.WithTimeout(ctx, timeouts.OutboxPublish)
	publishErr := r.publisher.Publish(publishCtx, evt)
	cancel()
	if r.observer != nil {
		r.observer.OutboxPublished(string(evt.Kind), publishErr)
	}

	if publishErr == nil {
		if err := r.store.CompleteOutbox(ctx, evt.SubjectID, evt.Seq); err != nil {
			return fmt.Errorf("complete outbox %s/%d: %w", evt.SubjectID, evt.Seq, err)
		}
		return nil
	}

	attempt := entry.AttemptCount + 1
	if attempt >= storage.OutboxDeadLetterThreshold {
		r.logf("outbox dead-lettered: subject=%s seq=%d attempts=%d err=%v", evt.SubjectID, evt.Seq, attempt, publishErr)
	} else {
		r.logf("outbox publish failed: subject=%s seq=%d attempt=%d err=%v", evt.SubjectID, evt.Seq, attempt, publishErr)
	}
	if err := r.store.RetryOutbox(ctx, evt.SubjectID, evt.Seq, r.now().UTC(), truncate(publishErr.Error())); err != nil {
		return fmt.Errorf("retry outbox %s/%d: %w", evt.SubjectID, evt.Seq, err)
	}
	return nil
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}
