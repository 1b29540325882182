// Package advisory exposes read-only journey views to AI consumers over MCP.
// Nothing in this package appends to a journal.
package advisory

import (
	"context"
	"slices"

	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
	"github.com/louisbranch/formation/internal/services/formation/domain/readiness"
)

// Reader is the read side of the formation service used by advisory tools.
type Reader interface {
	GetJourney(ctx context.Context, subjectID string) (app.JourneyView, error)
	Catalog() *phase.Catalog
}

// View is a detached copy of a journey and its readiness. Mutating a View
// never affects the projection it was built from.
type View struct {
	SubjectID          string                   `json:"subject_id"`
	Seq                uint64                   `json:"seq"`
	Phase              string                   `json:"phase"`
	PhaseName          string                   `json:"phase_name,omitempty"`
	Complete           bool                     `json:"complete"`
	ReachedCheckpoints []string                 `json:"reached_checkpoints"`
	MissingCheckpoints []string                 `json:"missing_checkpoints"`
	NextPhases         []string                 `json:"next_phases,omitempty"`
	PendingRegression  *journey.RegressionGrant `json:"pending_regression,omitempty"`
	Reflections        int                      `json:"reflections"`
	Readiness          readiness.Signal         `json:"readiness"`
}

// NewView builds a View from a service read. catalog may be nil, in which
// case the phase-derived fields stay empty.
func NewView(src app.JourneyView, catalog *phase.Catalog) View {
	j := src.Journey.Clone()
	view := View{
		SubjectID:          j.SubjectID,
		Seq:                src.Seq,
		Phase:              j.Phase,
		ReachedCheckpoints: j.ReachedCheckpoints(j.Phase),
		MissingCheckpoints: []string{},
		Reflections:        len(j.Reflections),
		Readiness:          src.Readiness,
	}
	if view.ReachedCheckpoints == nil {
		view.ReachedCheckpoints = []string{}
	}
	if j.PendingRegression != nil {
		grant := *j.PendingRegression
		view.PendingRegression = &grant
	}
	view.Readiness.Contributions = slices.Clone(src.Readiness.Contributions)
	if catalog == nil {
		return view
	}
	view.Complete = catalog.IsComplete(j.Phase)
	if def, ok := catalog.Phase(j.Phase); ok {
		view.PhaseName = def.Name
		view.NextPhases = slices.Clone(def.Next)
		for _, checkpoint := range def.Checkpoints {
			if !j.HasCheckpoint(j.Phase, checkpoint) {
				view.MissingCheckpoints = append(view.MissingCheckpoints, checkpoint)
			}
		}
	}
	return view
}

// Load reads the journey of subjectID and returns its View.
func Load(ctx context.Context, reader Reader, subjectID string) (View, error) {
	src, err := reader.GetJourney(ctx, subjectID)
	if err != nil {
		return View{}, err
	}
	return NewView(src, reader.Catalog()), nil
}
