package journey

import (
	"log"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// Projector wraps the pure fold with logging of skipped kinds.
type Projector struct {
	// Logf receives one line per unrecognized event. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Project folds events and logs every unrecognized kind.
func (p Projector) Project(events []event.Event) (Journey, error) {
	j, err := Project(events)
	if err != nil {
		return j, err
	}
	p.logSkipped(j, 0)
	return j, nil
}

// Apply folds a delta onto j and logs unrecognized kinds within it.
func (p Projector) Apply(j Journey, events ...event.Event) (Journey, error) {
	before := len(j.Unrecognized)
	next, err := ApplyAll(j, events)
	if err != nil {
		return j, err
	}
	p.logSkipped(next, before)
	return next, nil
}

func (p Projector) logSkipped(j Journey, from int) {
	logf := p.Logf
	if logf == nil {
		logf = log.Printf
	}
	for _, skipped := range j.Unrecognized[from:] {
		logf("projection skipped unrecognized event subject=%s seq=%d kind=%s", j.SubjectID, skipped.Seq, skipped.Kind)
	}
}
