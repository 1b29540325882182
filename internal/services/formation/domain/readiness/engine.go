package readiness

import (
	"math"
	"slices"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
)

// Classification is the ordered readiness outcome.
type Classification string

const (
	NotReady Classification = "not-ready"
	Emerging Classification = "emerging"
	Ready    Classification = "ready"
)

// Rank orders classifications for comparison.
func (c Classification) Rank() int {
	switch c {
	case Ready:
		return 2
	case Emerging:
		return 1
	default:
		return 0
	}
}

// Window is the evidence window actually used by an evaluation.
type Window struct {
	Mode       WindowMode    `json:"mode"`
	Size       int           `json:"size,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	From       time.Time     `json:"from,omitzero"`
	To         time.Time     `json:"to"`
	EventCount int           `json:"event_count"`
	FirstSeq   uint64        `json:"first_seq,omitempty"`
	LastSeq    uint64        `json:"last_seq,omitempty"`
}

// Contribution explains one signal's part of the score.
type Contribution struct {
	Seq        uint64  `json:"seq"`
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Decay      float64 `json:"decay"`
	Value      float64 `json:"value"`
	SelfReport bool    `json:"self_report,omitempty"`
}

// Signal is a computed readiness result. It is derived data and is never
// stored as a journal fact.
type Signal struct {
	Classification Classification `json:"classification"`
	Score          float64        `json:"score"`
	// SelfReportScore is the capped self-report part of Score.
	SelfReportScore   float64        `json:"self_report_score"`
	SupportingSignals int            `json:"supporting_signals"`
	// Held is set when the score reached the ready threshold but supporting
	// evidence was insufficient.
	Held          bool           `json:"held,omitempty"`
	Window        Window         `json:"window"`
	Contributions []Contribution `json:"contributions,omitempty"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// Engine evaluates readiness with a validated configuration.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg.Clone()}, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg.Clone()
}

// Evaluate computes readiness from signals as of now. Signals recorded after
// now are ignored. The input slice is not modified.
func (e *Engine) Evaluate(signals []journey.Signal, now time.Time) Signal {
	now = now.UTC()
	out := Signal{
		Classification: NotReady,
		ComputedAt:     now,
		Window: Window{
			Mode:     e.cfg.Window.Mode,
			Size:     e.cfg.Window.Size,
			Duration: e.cfg.Window.Duration,
			To:       now,
		},
	}

	window := e.selectWindow(signals, now)
	if e.cfg.Window.Mode == WindowDuration {
		out.Window.From = now.Add(-e.cfg.Window.Duration)
	} else if len(window) > 0 {
		out.Window.From = window[0].At.UTC()
	}
	out.Window.EventCount = len(window)
	if len(window) > 0 {
		out.Window.FirstSeq = window[0].Seq
		out.Window.LastSeq = window[len(window)-1].Seq
	}

	var behavioral, selfReport float64
	for _, s := range window {
		weight := e.cfg.Weight(s.Name)
		if s.SelfReport {
			weight = e.cfg.SelfReportWeight
		}
		decay := e.decay(now.Sub(s.At))
		value := weight * decay
		out.Contributions = append(out.Contributions, Contribution{
			Seq:        s.Seq,
			Name:       s.Name,
			Weight:     weight,
			Decay:      decay,
			Value:      value,
			SelfReport: s.SelfReport,
		})
		if s.SelfReport {
			selfReport += value
			continue
		}
		behavioral += value
		if value > 0 {
			out.SupportingSignals++
		}
	}

	out.SelfReportScore = math.Min(selfReport, e.cfg.SelfReportWeight)
	out.Score = behavioral + out.SelfReportScore

	switch {
	case out.Score >= e.cfg.Thresholds.Ready && out.SupportingSignals >= e.cfg.MinSupportingSignals:
		out.Classification = Ready
	case out.Score >= e.cfg.Thresholds.Ready:
		out.Classification = Emerging
		out.Held = true
	case out.Score >= e.cfg.Thresholds.Emerging:
		out.Classification = Emerging
	}
	return out
}

func (e *Engine) selectWindow(signals []journey.Signal, now time.Time) []journey.Signal {
	eligible := make([]journey.Signal, 0, len(signals))
	for _, s := range signals {
		if s.At.After(now) {
			continue
		}
		eligible = append(eligible, s)
	}
	slices.SortStableFunc(eligible, func(a, b journey.Signal) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})

	switch e.cfg.Window.Mode {
	case WindowDuration:
		cutoff := now.Add(-e.cfg.Window.Duration)
		return slices.DeleteFunc(eligible, func(s journey.Signal) bool { return !s.At.After(cutoff) })
	default:
		if len(eligible) > e.cfg.Window.Size {
			return eligible[len(eligible)-e.cfg.Window.Size:]
		}
		return eligible
	}
}

func (e *Engine) decay(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	switch e.cfg.Decay.Mode {
	case DecayLinear:
		return math.Max(0, 1-float64(age)/float64(e.cfg.Decay.Horizon))
	case DecayExponential:
		return math.Pow(0.5, float64(age)/float64(e.cfg.Decay.HalfLife))
	default:
		return 1
	}
}
