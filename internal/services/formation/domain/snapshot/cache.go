package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/domain/replay"
	"golang.org/x/sync/singleflight"
)

// Rebuild reasons reported to the Observer.
const (
	ReasonMiss     = "miss"
	ReasonGap      = "gap"
	ReasonAhead    = "ahead"
	ReasonCorrupt  = "corrupt"
	ReasonLoad     = "load_error"
	ReasonDisabled = "disabled"
)

// EventReader is the slice of the event store the cache reads from.
type EventReader interface {
	ReadSince(ctx context.Context, subjectID string, seq uint64) ([]event.Event, error)
	ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error)
	LatestSeq(ctx context.Context, subjectID string) (uint64, error)
}

// Flagger records subjects that need manual inspection.
type Flagger interface {
	FlagSubject(ctx context.Context, subjectID string, seq uint64, reason string) error
}

// Observer receives cache outcomes. Implemented by the metrics layer.
type Observer interface {
	CacheHit()
	CacheExtended(events int)
	CacheRebuilt(reason string)
	SubjectFlagged()
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore enables snapshot memoization. Without it every read rebuilds.
func WithStore(store Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithFlagger records subjects whose rebuild fails.
func WithFlagger(flagger Flagger) Option {
	return func(c *Cache) { c.flagger = flagger }
}

// WithObserver reports cache outcomes.
func WithObserver(observer Observer) Option {
	return func(c *Cache) { c.observer = observer }
}

// WithLogf overrides log.Printf.
func WithLogf(logf func(string, ...any)) Option {
	return func(c *Cache) {
		c.logf = logf
		c.projector.Logf = logf
	}
}

// Cache serves journeys from snapshots, extending or rebuilding as needed.
type Cache struct {
	reader    EventReader
	store     Store
	flagger   Flagger
	observer  Observer
	projector journey.Projector
	logf      func(string, ...any)
	group     singleflight.Group
}

// New creates a cache over reader.
func New(reader EventReader, opts ...Option) *Cache {
	c := &Cache{reader: reader, logf: log.Printf}
	for _, opt := range opts {
		opt(c)
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	return c
}

type result struct {
	journey journey.Journey
	seq     uint64
}

// Get returns the current journey of a subject and the sequence it reflects.
// Concurrent calls for the same subject share one refresh; each caller gets
// its own copy of the journey.
func (c *Cache) Get(ctx context.Context, subjectID string) (journey.Journey, uint64, error) {
	if c == nil || c.reader == nil {
		return journey.Journey{}, 0, errors.New("snapshot cache is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return journey.Journey{}, 0, ErrSubjectIDRequired
	}

	if c.store == nil {
		j, err := c.rebuild(ctx, subjectID, ReasonDisabled)
		if err != nil {
			return journey.Journey{}, 0, err
		}
		return j, j.AppliedSeq, nil
	}

	v, err, _ := c.group.Do(subjectID, func() (any, error) {
		j, err := c.refresh(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		return result{journey: j, seq: j.AppliedSeq}, nil
	})
	if err != nil {
		return journey.Journey{}, 0, err
	}
	res := v.(result)
	return res.journey.Clone(), res.seq, nil
}

// Invalidate discards the snapshot of a subject.
func (c *Cache) Invalidate(ctx context.Context, subjectID string) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, subjectID)
}

func (c *Cache) refresh(ctx context.Context, subjectID string) (journey.Journey, error) {
	latest, err := c.reader.LatestSeq(ctx, subjectID)
	if err != nil {
		return journey.Journey{}, err
	}

	snap, err := c.store.Load(ctx, subjectID)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.rebuildAndStore(ctx, subjectID, 0, ReasonMiss)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return journey.Journey{}, ctxErr
		}
		c.logf("snapshot load failed subject=%s err=%v", subjectID, err)
		return c.discardAndRebuild(ctx, subjectID, ReasonLoad)
	}

	if snap.SubjectID != subjectID || snap.Journey.AppliedSeq != snap.AppliedSeq ||
		(snap.AppliedSeq > 0 && snap.Journey.SubjectID != subjectID) {
		return c.discardAndRebuild(ctx, subjectID, ReasonCorrupt)
	}
	if snap.AppliedSeq > latest {
		return c.discardAndRebuild(ctx, subjectID, ReasonAhead)
	}
	if snap.AppliedSeq == latest {
		c.observeHit()
		return snap.Journey, nil
	}

	delta, err := c.reader.ReadSince(ctx, subjectID, snap.AppliedSeq)
	if err != nil {
		return journey.Journey{}, err
	}
	if len(delta) == 0 {
		return c.discardAndRebuild(ctx, subjectID, ReasonGap)
	}
	next, err := c.projector.Apply(snap.Journey, delta...)
	if err != nil {
		if !errors.Is(err, journey.ErrCorruptProjection) {
			return journey.Journey{}, err
		}
		c.logf("snapshot extend failed subject=%s applied_seq=%d err=%v", subjectID, snap.AppliedSeq, err)
		return c.discardAndRebuild(ctx, subjectID, ReasonGap)
	}
	if c.observer != nil {
		c.observer.CacheExtended(len(delta))
	}
	if _, err := c.store.CompareAndSwap(ctx, snap.AppliedSeq, Snapshot{SubjectID: subjectID, AppliedSeq: next.AppliedSeq, Journey: next}); err != nil {
		c.logf("snapshot store failed subject=%s seq=%d err=%v", subjectID, next.AppliedSeq, err)
	}
	return next, nil
}

func (c *Cache) discardAndRebuild(ctx context.Context, subjectID, reason string) (journey.Journey, error) {
	if err := c.store.Delete(ctx, subjectID); err != nil {
		c.logf("snapshot discard failed subject=%s err=%v", subjectID, err)
	}
	return c.rebuildAndStore(ctx, subjectID, 0, reason)
}

func (c *Cache) rebuildAndStore(ctx context.Context, subjectID string, expectedSeq uint64, reason string) (journey.Journey, error) {
	j, err := c.rebuild(ctx, subjectID, reason)
	if err != nil {
		return journey.Journey{}, err
	}
	if j.AppliedSeq > expectedSeq {
		if _, err := c.store.CompareAndSwap(ctx, expectedSeq, Snapshot{SubjectID: subjectID, AppliedSeq: j.AppliedSeq, Journey: j}); err != nil {
			c.logf("snapshot store failed subject=%s seq=%d err=%v", subjectID, j.AppliedSeq, err)
		}
	}
	return j, nil
}

// rebuild replays the whole journal. A failed rebuild flags the subject for
// manual inspection.
func (c *Cache) rebuild(ctx context.Context, subjectID, reason string) (journey.Journey, error) {
	if c.observer != nil {
		c.observer.CacheRebuilt(reason)
	}
	res, err := replay.Replay(ctx, c.reader, subjectID, replay.Options{Projector: c.projector})
	if err == nil {
		return res.Journey, nil
	}
	if !errors.Is(err, journey.ErrCorruptProjection) {
		return journey.Journey{}, err
	}

	c.logf("projection rebuild failed subject=%s last_good_seq=%d err=%v", subjectID, res.LastSeq, err)
	if c.flagger != nil {
		if flagErr := c.flagger.FlagSubject(ctx, subjectID, res.LastSeq, err.Error()); flagErr != nil {
			c.logf("flag subject failed subject=%s err=%v", subjectID, flagErr)
		}
	}
	if c.observer != nil {
		c.observer.SubjectFlagged()
	}
	return journey.Journey{}, fmt.Errorf("rebuild subject %s: %w", subjectID, err)
}

func (c *Cache) observeHit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}
