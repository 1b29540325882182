// Package replay rebuilds a journey from the journal page by page.
package replay

import (
	"context"
	"errors"
	"strings"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrSubjectIDRequired indicates a missing subject id.
	ErrSubjectIDRequired = errors.New("subject id is required")
)

// EventStore lists events for replay.
type EventStore interface {
	ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// Options configures replay behavior.
type Options struct {
	// UntilSeq stops replay after this sequence when non-zero.
	UntilSeq uint64
	PageSize int
	// Projector folds each page. The zero value logs with log.Printf.
	Projector journey.Projector
}

// Result captures replay outcomes.
type Result struct {
	Journey journey.Journey
	LastSeq uint64
	Applied int
}

// Replay folds every event of a subject, in pages, into a fresh journey.
// Gaps and undecodable payloads fail with journey.ErrCorruptProjection.
func Replay(ctx context.Context, store EventStore, subjectID string, options Options) (Result, error) {
	if store == nil {
		return Result{}, ErrEventStoreRequired
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Result{}, ErrSubjectIDRequired
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := Result{Journey: journey.Empty(subjectID)}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		events, err := store.ListEvents(ctx, subjectID, result.LastSeq, pageSize)
		if err != nil {
			return result, err
		}
		if options.UntilSeq > 0 {
			for i, evt := range events {
				if evt.Seq > options.UntilSeq {
					events = events[:i]
					break
				}
			}
		}
		if len(events) == 0 {
			return finish(result), nil
		}
		// One clone per page keeps a full rebuild linear in the journal size.
		next, err := options.Projector.Apply(result.Journey, events...)
		if err != nil {
			return foldCleanPrefix(result, events, err, options.Projector), err
		}
		result.Journey = next
		result.LastSeq = next.AppliedSeq
		result.Applied += len(events)
		if options.UntilSeq > 0 && result.LastSeq >= options.UntilSeq {
			return result, nil
		}
		if len(events) < pageSize {
			return result, nil
		}
	}
}

// finish reports a subject with no applied events as the zero Journey, the
// same value journey.Project returns for an empty journal.
func finish(result Result) Result {
	if result.Applied == 0 {
		result.Journey = journey.Journey{}
	}
	return result
}

// foldCleanPrefix advances result over the events of a failed page that
// precede the corrupt one, so LastSeq names the last event that folded
// cleanly.
func foldCleanPrefix(result Result, events []event.Event, cause error, projector journey.Projector) Result {
	var corrupt *journey.CorruptionError
	if !errors.As(cause, &corrupt) {
		return finish(result)
	}
	clean := 0
	for clean < len(events) && events[clean].Seq != corrupt.Seq {
		clean++
	}
	if clean == 0 || clean == len(events) {
		return finish(result)
	}
	prefix, err := projector.Apply(result.Journey, events[:clean]...)
	if err != nil {
		return finish(result)
	}
	result.Journey = prefix
	result.LastSeq = prefix.AppliedSeq
	result.Applied += clean
	return result
}
