package readiness

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event/eventtest"
	"github.com/louisbranch/formation/internal/services/formation/domain/journey"
)

var evalNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Window: WindowConfig{Mode: WindowCount, Size: 10},
		Decay:  DecayConfig{Mode: DecayNone},
		Weights: map[string]float64{
			"prayer":                        1,
			"service":                       2,
			journey.SignalCheckpointReached: 2,
			journey.SignalReflection:        0.5,
		},
		SelfReportWeight:     1,
		MinSupportingSignals: 3,
		Thresholds:           Thresholds{Emerging: 2, Ready: 6},
	}
}

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func signalsAt(names ...string) []journey.Signal {
	out := make([]journey.Signal, 0, len(names))
	for i, name := range names {
		out = append(out, journey.Signal{
			Seq:    uint64(i + 1),
			Name:   name,
			Source: journey.SourceBehavior,
			At:     evalNow.Add(-time.Duration(len(names)-i) * time.Hour),
		})
	}
	return out
}

func TestSelfReportAloneIsNeverReady(t *testing.T) {
	engine := mustEngine(t, testConfig())
	events := eventtest.New("s1").Enter("foundations").Reflect("foundations", "I am ready", true).Events()
	j, err := journey.Project(events)
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	got := engine.Evaluate(j.Signals, evalNow)
	if got.Classification == Ready {
		t.Fatalf("classification = %s, self-report alone must not be ready", got.Classification)
	}
	if got.SelfReportScore != 1 || got.SupportingSignals != 0 {
		t.Fatalf("self report score/support = %v/%d", got.SelfReportScore, got.SupportingSignals)
	}
}

func TestSelfReportSpamIsCapped(t *testing.T) {
	engine := mustEngine(t, testConfig())
	var signals []journey.Signal
	for i := 0; i < 10; i++ {
		signals = append(signals, journey.Signal{Seq: uint64(i + 1), Name: journey.SignalReflection, At: evalNow, SelfReport: true})
	}

	got := engine.Evaluate(signals, evalNow)
	if got.Score != 1 {
		t.Fatalf("score = %v, want self-report cap 1", got.Score)
	}
	if got.Classification != NotReady {
		t.Fatalf("classification = %s, want not-ready", got.Classification)
	}
}

func TestBehaviorReachesReady(t *testing.T) {
	engine := mustEngine(t, testConfig())

	got := engine.Evaluate(signalsAt("prayer", "service", "service", "prayer"), evalNow)
	if got.Classification != Ready || got.Score != 6 {
		t.Fatalf("got %s score=%v, want ready score=6", got.Classification, got.Score)
	}
	if got.Window.EventCount != 4 || got.Window.FirstSeq != 1 || got.Window.LastSeq != 4 {
		t.Fatalf("window = %+v", got.Window)
	}
	if !got.Window.To.Equal(evalNow) || !got.ComputedAt.Equal(evalNow) {
		t.Fatalf("window.to/computed_at = %v/%v", got.Window.To, got.ComputedAt)
	}
}

func TestReadyHeldWithoutSupportingSignals(t *testing.T) {
	cfg := testConfig()
	cfg.Weights["service"] = 5
	engine := mustEngine(t, cfg)

	got := engine.Evaluate(signalsAt("service", "service"), evalNow)
	if got.Classification != Emerging || !got.Held {
		t.Fatalf("got %s held=%v, want emerging held", got.Classification, got.Held)
	}
}

func TestClassificationThresholds(t *testing.T) {
	engine := mustEngine(t, testConfig())
	tests := []struct {
		names []string
		want  Classification
	}{
		{names: nil, want: NotReady},
		{names: []string{"prayer"}, want: NotReady},
		{names: []string{"service"}, want: Emerging},
		{names: []string{"unknown-signal", "unknown-signal"}, want: NotReady},
	}
	for _, tc := range tests {
		t.Run(strings.Join(tc.names, ","), func(t *testing.T) {
			if got := engine.Evaluate(signalsAt(tc.names...), evalNow); got.Classification != tc.want {
				t.Fatalf("classification = %s, want %s", got.Classification, tc.want)
			}
		})
	}
}

func TestCountWindowKeepsLatestSignals(t *testing.T) {
	cfg := testConfig()
	cfg.Window = WindowConfig{Mode: WindowCount, Size: 2}
	engine := mustEngine(t, cfg)

	got := engine.Evaluate(signalsAt("service", "service", "prayer", "prayer"), evalNow)
	if got.Window.EventCount != 2 || got.Window.FirstSeq != 3 || got.Score != 2 {
		t.Fatalf("window=%+v score=%v", got.Window, got.Score)
	}
}

func TestDurationWindowDropsOldSignals(t *testing.T) {
	cfg := testConfig()
	cfg.Window = WindowConfig{Mode: WindowDuration, Duration: 150 * time.Minute}
	engine := mustEngine(t, cfg)

	// Signals at now-4h, now-3h, now-2h, now-1h.
	got := engine.Evaluate(signalsAt("service", "service", "prayer", "prayer"), evalNow)
	if got.Window.EventCount != 2 || got.Score != 2 {
		t.Fatalf("window=%+v score=%v", got.Window, got.Score)
	}
	if !got.Window.From.Equal(evalNow.Add(-150 * time.Minute)) {
		t.Fatalf("window.from = %v", got.Window.From)
	}
}

func TestFutureSignalsIgnored(t *testing.T) {
	engine := mustEngine(t, testConfig())
	signals := []journey.Signal{{Seq: 1, Name: "service", At: evalNow.Add(time.Hour)}}
	if got := engine.Evaluate(signals, evalNow); got.Window.EventCount != 0 {
		t.Fatalf("future signal counted: %+v", got.Window)
	}
}

func TestDecayModes(t *testing.T) {
	signals := []journey.Signal{{Seq: 1, Name: "service", At: evalNow.Add(-24 * time.Hour)}}

	cfg := testConfig()
	cfg.Decay = DecayConfig{Mode: DecayExponential, HalfLife: 24 * time.Hour}
	if got := mustEngine(t, cfg).Evaluate(signals, evalNow); math.Abs(got.Score-1) > 1e-9 {
		t.Fatalf("exponential score = %v, want 1", got.Score)
	}

	cfg.Decay = DecayConfig{Mode: DecayLinear, Horizon: 96 * time.Hour}
	if got := mustEngine(t, cfg).Evaluate(signals, evalNow); math.Abs(got.Score-1.5) > 1e-9 {
		t.Fatalf("linear score = %v, want 1.5", got.Score)
	}

	cfg.Decay = DecayConfig{Mode: DecayLinear, Horizon: 12 * time.Hour}
	got := mustEngine(t, cfg).Evaluate(signals, evalNow)
	if got.Score != 0 || got.SupportingSignals != 0 {
		t.Fatalf("expired linear score/support = %v/%d, want 0/0", got.Score, got.SupportingSignals)
	}
}

func TestEvaluateIsDeterministicAndPure(t *testing.T) {
	engine := mustEngine(t, testConfig())
	signals := signalsAt("prayer", "service", "prayer")
	signals[0], signals[2] = signals[2], signals[0]
	first := signals[0]

	a := engine.Evaluate(signals, evalNow)
	b := engine.Evaluate(signals, evalNow)
	if a.Score != b.Score || a.Classification != b.Classification {
		t.Fatalf("evaluation not deterministic: %+v vs %+v", a, b)
	}
	if signals[0] != first {
		t.Fatal("Evaluate reordered the input")
	}
	if a.Contributions[0].Seq != 1 {
		t.Fatalf("contributions should be in seq order, got first seq %d", a.Contributions[0].Seq)
	}
}

func TestParseConfigValidates(t *testing.T) {
	valid := `
window: {mode: duration, duration: 720h}
decay: {mode: exponential, half_life: 168h}
weights: {prayer: 1, service: 2}
self_report_weight: 0.5
min_supporting_signals: 2
thresholds: {emerging: 2, ready: 5}
`
	cfg, err := ParseConfig([]byte(valid))
	if err != nil {
		t.Fatalf("parse valid config: %v", err)
	}
	if cfg.Window.Duration != 720*time.Hour || cfg.Decay.HalfLife != 168*time.Hour {
		t.Fatalf("durations = %v/%v", cfg.Window.Duration, cfg.Decay.HalfLife)
	}

	nan := `
window: {mode: count, size: 5}
weights: {prayer: .nan}
self_report_weight: .nan
min_supporting_signals: 1
thresholds: {emerging: .nan, ready: .nan}
`
	if _, err := ParseConfig([]byte(nan)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("parse nan config err = %v, want ErrInvalidConfig", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "window mode", mutate: func(c *Config) { c.Window.Mode = "forever" }, want: "window mode"},
		{name: "window size", mutate: func(c *Config) { c.Window.Size = 0 }, want: "window size"},
		{name: "decay mode", mutate: func(c *Config) { c.Decay.Mode = "cubic" }, want: "decay mode"},
		{name: "half life", mutate: func(c *Config) { c.Decay = DecayConfig{Mode: DecayExponential} }, want: "half_life"},
		{name: "horizon", mutate: func(c *Config) { c.Decay = DecayConfig{Mode: DecayLinear} }, want: "horizon"},
		{name: "negative weight", mutate: func(c *Config) { c.Weights["prayer"] = -1 }, want: "non-negative"},
		{name: "nan weight", mutate: func(c *Config) { c.Weights["prayer"] = math.NaN() }, want: "weight \"prayer\""},
		{name: "infinite default weight", mutate: func(c *Config) { c.DefaultWeight = math.Inf(1) }, want: "default_weight"},
		{name: "nan thresholds", mutate: func(c *Config) { c.Thresholds = Thresholds{Emerging: math.NaN(), Ready: math.NaN()} }, want: "thresholds"},
		{name: "infinite ready threshold", mutate: func(c *Config) { c.Thresholds.Ready = math.Inf(1) }, want: "thresholds"},
		{name: "nan self report", mutate: func(c *Config) { c.SelfReportWeight = math.NaN() }, want: "self_report_weight"},
		{name: "thresholds", mutate: func(c *Config) { c.Thresholds = Thresholds{Emerging: 5, Ready: 5} }, want: "thresholds"},
		{name: "self report too strong", mutate: func(c *Config) { c.SelfReportWeight = 6 }, want: "on its own"},
		{name: "no supporting signals", mutate: func(c *Config) { c.MinSupportingSignals = 0 }, want: "min_supporting_signals"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig().Clone()
			tc.mutate(&cfg)
			_, err := NewEngine(cfg)
			if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want ErrInvalidConfig containing %q", err, tc.want)
			}
		})
	}
}
