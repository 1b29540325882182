package http

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/codes"

	apperrors "github.com/louisbranch/formation/internal/platform/errors"
	"github.com/louisbranch/formation/internal/platform/requestctx"
	"github.com/louisbranch/formation/internal/services/formation/api/wire"
	"github.com/louisbranch/formation/internal/services/formation/app"
	"github.com/louisbranch/formation/internal/services/formation/domain/command"
	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// maxBodyBytes bounds a command body.
const maxBodyBytes = 1 << 20

// Formation is the slice of app.Service served over HTTP.
type Formation interface {
	Submit(ctx context.Context, cmd command.Command) (app.SubmitResult, error)
	GetJourney(ctx context.Context, subjectID string) (app.JourneyView, error)
	ListEvents(ctx context.Context, subjectID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the formation HTTP API.
type Handler struct {
	formation Formation
	gatherer  prometheus.Gatherer
	pinger    Pinger
	logf      func(string, ...any)
}

// Option configures a Handler.
type Option func(*Handler)

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = gatherer }
}

// WithPinger checks pinger on /healthz.
func WithPinger(pinger Pinger) Option {
	return func(h *Handler) { h.pinger = pinger }
}

// WithLogf overrides log.Printf.
func WithLogf(logf func(string, ...any)) Option {
	return func(h *Handler) { h.logf = logf }
}

// New creates a Handler over formation.
func New(formation Formation, opts ...Option) *Handler {
	h := &Handler{formation: formation, logf: log.Printf}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router, wrapped for tracing.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(h.requestContext)

	r.Get("/healthz", h.handleHealth)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1/journeys/{subjectID}", func(r chi.Router) {
		r.Get("/", h.handleGetJourney)
		r.Post("/commands", h.handleSubmit)
		r.Get("/events", h.handleListEvents)
	})
	return otelhttp.NewHandler(r, "formation.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// requestContext copies actor and request ids from headers into the context
// and logs the request.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(requestctx.RequestIDHeader))
		if requestID == "" {
			requestID = middleware.GetReqID(r.Context())
		}
		ctx := requestctx.WithRequestID(r.Context(), requestID)
		if actorID := strings.TrimSpace(r.Header.Get(requestctx.ActorIDHeader)); actorID != "" {
			ctx = requestctx.WithActorID(ctx, actorID)
		}
		if requestID != "" {
			w.Header().Set(requestctx.RequestIDHeader, requestID)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		h.logf("http method=%s path=%s status=%d request_id=%s duration=%s",
			r.Method, r.URL.Path, ww.Status(), requestID, time.Since(started).Round(time.Microsecond))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "read request body", err))
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "request body too large"))
		return
	}
	req, err := wire.DecodeCommandRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}
	cmd, err := req.Command(chi.URLParam(r, "subjectID"), requestctx.ActorIDFromContext(ctx), requestctx.RequestIDFromContext(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.formation.Submit(ctx, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, wire.FromSubmitResult(res))
}

func (h *Handler) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	view, err := h.formation.GetJourney(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	afterSeq, err := parseUint(query.Get("after_seq"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "after_seq must be a non-negative integer", err))
		return
	}
	limit, err := parseUint(query.Get("limit"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "limit must be a non-negative integer", err))
		return
	}
	pageSize := app.EventPageSize(int(min(limit, uint64(app.MaxEventPageSize))))
	events, err := h.formation.ListEvents(r.Context(), chi.URLParam(r, "subjectID"), afterSeq, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.NewEventPage(events, pageSize))
}

func parseUint(value string) (uint64, error) {
	if value = strings.TrimSpace(value); value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

// StatusFor maps an error code to an HTTP status through its gRPC mapping.
func StatusFor(err error) int {
	switch apperrors.CodeOf(err).GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if apperrors.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, wire.FromError(err))
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("encode response status=%d err=%v", status, err)
	}
}
