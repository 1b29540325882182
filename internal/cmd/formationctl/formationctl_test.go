package formationctl

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/domain/authz"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/rules"
	"github.com/louisbranch/formation/internal/services/formation/server"
	"github.com/louisbranch/formation/internal/services/formation/storage"
	"github.com/louisbranch/formation/internal/services/formation/storage/memory"
	"github.com/louisbranch/formation/internal/services/formation/storage/sqlite"
)

func newRuntime(t *testing.T, store storage.Store) *app.Runtime {
	t.Helper()
	formationRules, err := rules.Default()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	svc, err := app.NewService(app.Deps{Store: store, Rules: formationRules})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	for i, step := range []struct {
		typ     command.Type
		payload string
	}{
		{command.TypeJourneyBegin, ""},
		{command.TypeCheckpointReach, `{"checkpoint":"gospel_clarity"}`},
		{command.TypeBehaviorObserve, `{"signal":"serve"}`},
	} {
		if _, err := svc.Submit(context.Background(), command.Command{
			SubjectID:      "ana",
			Type:           step.typ,
			IdempotencyKey: "step-" + string(rune('a'+i)),
			PayloadJSON:    []byte(step.payload),
		}); err != nil {
			t.Fatalf("submit %s: %v", step.typ, err)
		}
	}
	return &app.Runtime{Service: svc, Store: store}
}

func run(t *testing.T, opts *options, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(opts)
	out := &bytes.Buffer{}
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func memoryOptions(t *testing.T) *options {
	t.Helper()
	rt := newRuntime(t, memory.New())
	return &options{
		cfg:  app.Config{Store: app.StoreMemory},
		open: func(context.Context, app.Config) (*app.Runtime, error) { return rt, nil },
	}
}

func TestCatalogValidate(t *testing.T) {
	out, err := run(t, &options{}, "catalog", "validate")
	if err != nil {
		t.Fatalf("catalog validate: %v", err)
	}
	for _, want := range []string{"foundations", "multiplication", "ready=4.00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("catalog: {phases: []}\n"), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := run(t, &options{}, "catalog", "validate", bad); err == nil {
		t.Fatal("expected error for empty catalog")
	}
}

func TestJourneyAndReadinessShow(t *testing.T) {
	opts := memoryOptions(t)

	out, err := run(t, opts, "journey", "show", "ana")
	if err != nil {
		t.Fatalf("journey show: %v", err)
	}
	if !strings.Contains(out, `"phase": "foundations"`) || !strings.Contains(out, `"seq": 3`) {
		t.Fatalf("journey output:\n%s", out)
	}

	out, err = run(t, opts, "readiness", "show", "ana")
	if err != nil {
		t.Fatalf("readiness show: %v", err)
	}
	for _, want := range []string{"classification: emerging", "missing:        [baptism scripture_habit]", "serve"} {
		if !strings.Contains(out, want) {
			t.Fatalf("readiness output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, opts, "journey", "show", "nobody"); err == nil {
		t.Fatal("expected not found for unknown subject")
	}
}

func TestEventsListAndVerify(t *testing.T) {
	opts := memoryOptions(t)

	out, err := run(t, opts, "events", "list", "ana", "--after-seq", "1", "--limit", "1")
	if err != nil {
		t.Fatalf("events list: %v", err)
	}
	if !strings.Contains(out, `"seq": 2`) || !strings.Contains(out, `"next_after_seq": 2`) {
		t.Fatalf("events list output:\n%s", out)
	}

	out, err = run(t, opts, "events", "verify")
	if err != nil {
		t.Fatalf("events verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok   ana") {
		t.Fatalf("verify output:\n%s", out)
	}
}

func TestFlaggedListEmpty(t *testing.T) {
	out, err := run(t, memoryOptions(t), "flagged", "list")
	if err != nil {
		t.Fatalf("flagged list: %v", err)
	}
	if strings.TrimSpace(out) != "no flagged subjects" {
		t.Fatalf("output = %q", out)
	}
}

func TestOutboxCommands(t *testing.T) {
	if _, err := run(t, memoryOptions(t), "outbox", "status"); err == nil || !strings.Contains(err.Error(), "no outbox") {
		t.Fatalf("err = %v, want no outbox", err)
	}

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "formation.db"), sqlite.WithOutboxEnabled(true))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rt := newRuntime(t, store)
	opts := &options{
		cfg:  app.Config{Store: app.StoreSQLite},
		open: func(context.Context, app.Config) (*app.Runtime, error) { return &app.Runtime{Service: rt.Service, Store: store}, nil },
	}

	out, err := run(t, opts, "outbox", "status")
	if err != nil {
		t.Fatalf("outbox status: %v", err)
	}
	if !strings.Contains(out, "pending=3 processing=0 failed=0 dead=0") {
		t.Fatalf("status output:\n%s", out)
	}
	out, err = run(t, opts, "outbox", "requeue", "--limit", "10")
	if err != nil {
		t.Fatalf("outbox requeue: %v", err)
	}
	if strings.TrimSpace(out) != "requeued 0 rows" {
		t.Fatalf("requeue output = %q", out)
	}
}

func TestGrantKeygenAndIssue(t *testing.T) {
	out, err := run(t, &options{}, "grant", "keygen")
	if err != nil {
		t.Fatalf("grant keygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("keygen lines = %d, want 2", len(lines))
	}
	privateKey := strings.TrimPrefix(lines[0], "export "+authz.EnvGrantPrivateKey+"=")
	publicKey := strings.TrimPrefix(lines[1], "export "+authz.EnvGrantPublicKey+"=")

	t.Setenv(authz.EnvGrantPrivateKey, privateKey)
	t.Setenv(authz.EnvGrantIssuer, "formation-admin")
	t.Setenv(authz.EnvGrantAudience, "formation")
	out, err = run(t, &options{}, "grant", "issue", "--subject", "ana", "--to", "foundations", "--by", "pastor-1", "--ttl", "1h")
	if err != nil {
		t.Fatalf("grant issue: %v", err)
	}
	token := strings.TrimSpace(out)

	pubBytes, err := base64.RawStdEncoding.DecodeString(publicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	verifier, err := authz.NewVerifier(authz.Config{Issuer: "formation-admin", Audience: "formation", Key: pubBytes})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	grant, err := verifier.Verify(token, "ana", time.Now())
	if err != nil {
		t.Fatalf("verify issued grant: %v", err)
	}
	if grant.ToPhase != "foundations" || grant.AuthorizedBy != "pastor-1" {
		t.Fatalf("grant = %+v", grant)
	}

	if _, err := run(t, &options{}, "grant", "issue", "--subject", "ana"); err == nil {
		t.Fatal("expected missing required flags error")
	}
}

func TestSubmitAndHealthAgainstServer(t *testing.T) {
	t.Setenv("FORMATION_EVENT_HMAC_KEY", "")
	t.Setenv("FORMATION_EVENT_HMAC_KEYS", "")
	t.Setenv("FORMATION_REGRESSION_GRANT_PUBLIC_KEY", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, app.Config{
		GRPCAddr:     "127.0.0.1:0",
		HTTPAddr:     "127.0.0.1:0",
		Store:        app.StoreMemory,
		CacheEnabled: true,
	}, server.Options{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	opts := &options{addr: srv.GRPCAddr(), httpURL: "http://" + srv.HTTPAddr()}
	out, err := run(t, opts, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.HasPrefix(out, "SERVING") || !strings.Contains(out, "OK http://") {
		t.Fatalf("health output = %q", out)
	}

	out, err = run(t, opts, "submit", "ana", "journey.begin", "--actor", "mentor-1", "--key", "begin", "--expected-seq", "0")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, `"seq": 1`) {
		t.Fatalf("submit output:\n%s", out)
	}

	if _, err := run(t, opts, "submit", "ana", "behavior.observe", "{not json"); err == nil {
		t.Fatal("expected invalid payload error")
	}
}
