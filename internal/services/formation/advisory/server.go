package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "formation-advisory"
	serverVersion = "1.0.0"

	// JourneyURIScheme prefixes journey resource URIs.
	JourneyURIScheme = "journey://"
	// ReadinessToolName is the MCP tool returning a journey view.
	ReadinessToolName = "journey_readiness"

	// TransportStdio serves MCP over stdin/stdout.
	TransportStdio = "stdio"
	// TransportHTTP serves MCP over streamable HTTP.
	TransportHTTP = "http"

	readTimeout = 5 * time.Second
)

// ReadinessInput is the journey_readiness tool input.
type ReadinessInput struct {
	SubjectID string `json:"subject_id" jsonschema:"subject identifier (required)"`
}

// ReadinessResult is the journey_readiness tool output.
type ReadinessResult struct {
	SubjectID          string   `json:"subject_id" jsonschema:"subject identifier"`
	Seq                uint64   `json:"seq" jsonschema:"last applied event sequence"`
	Phase              string   `json:"phase" jsonschema:"current phase id"`
	PhaseName          string   `json:"phase_name,omitempty" jsonschema:"current phase display name"`
	Complete           bool     `json:"complete" jsonschema:"true when the journey reached the terminal phase"`
	ReachedCheckpoints []string `json:"reached_checkpoints" jsonschema:"checkpoints reached in the current phase"`
	MissingCheckpoints []string `json:"missing_checkpoints" jsonschema:"checkpoints still required to advance"`
	NextPhases         []string `json:"next_phases,omitempty" jsonschema:"phases reachable by advancement"`
	RegressionTo       string   `json:"regression_to,omitempty" jsonschema:"target of a pending authorized regression"`
	Classification     string   `json:"classification" jsonschema:"not-ready, emerging or ready"`
	Score              float64  `json:"score" jsonschema:"weighted readiness score"`
	SelfReportScore    float64  `json:"self_report_score" jsonschema:"capped self-report part of score"`
	SupportingSignals  int      `json:"supporting_signals" jsonschema:"non self-report signals in the window"`
	Held               bool     `json:"held,omitempty" jsonschema:"score reached ready without enough supporting signals"`
	WindowEvents       int      `json:"window_events" jsonschema:"signals inside the evaluation window"`
	ComputedAt         string   `json:"computed_at" jsonschema:"RFC3339 evaluation time"`
}

func readinessResult(view View) ReadinessResult {
	result := ReadinessResult{
		SubjectID:          view.SubjectID,
		Seq:                view.Seq,
		Phase:              view.Phase,
		PhaseName:          view.PhaseName,
		Complete:           view.Complete,
		ReachedCheckpoints: view.ReachedCheckpoints,
		MissingCheckpoints: view.MissingCheckpoints,
		NextPhases:         view.NextPhases,
		Classification:     string(view.Readiness.Classification),
		Score:              view.Readiness.Score,
		SelfReportScore:    view.Readiness.SelfReportScore,
		SupportingSignals:  view.Readiness.SupportingSignals,
		Held:               view.Readiness.Held,
		WindowEvents:       view.Readiness.Window.EventCount,
		ComputedAt:         view.Readiness.ComputedAt.UTC().Format(time.RFC3339),
	}
	if view.PendingRegression != nil {
		result.RegressionTo = view.PendingRegression.ToPhase
	}
	return result
}

// Server wraps an MCP server bound to a Reader.
type Server struct {
	mcpServer *mcp.Server
	reader    Reader
}

// NewServer registers the journey resource template and readiness tool.
func NewServer(reader Reader) (*Server, error) {
	if reader == nil {
		return nil, errors.New("advisory reader is required")
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcpServer.AddResourceTemplate(JourneyResourceTemplate(), JourneyResourceHandler(reader))
	mcp.AddTool(mcpServer, ReadinessTool(), ReadinessHandler(reader))
	return &Server{mcpServer: mcpServer, reader: reader}, nil
}

// MCPServer exposes the underlying server for custom transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves the chosen transport until ctx is canceled.
func (s *Server) Run(ctx context.Context, transport, httpAddr string) error {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", TransportStdio:
		return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
	case TransportHTTP:
		return s.serveHTTP(ctx, httpAddr)
	default:
		return fmt.Errorf("transport %q is not supported", transport)
	}
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "localhost:8094"
	}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcpServer }, nil)
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: readTimeout}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("advisory mcp listening addr=%s", addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// JourneyResourceTemplate describes the journey://{subject_id} resource.
func JourneyResourceTemplate() *mcp.ResourceTemplate {
	return &mcp.ResourceTemplate{
		Name:        "journey",
		Title:       "Journey",
		Description: "Read-only journey and readiness of a subject. URI format: journey://{subject_id}",
		MIMEType:    "application/json",
		URITemplate: JourneyURIScheme + "{subject_id}",
	}
}

// JourneyResourceHandler reads a journey view for a journey:// URI.
func JourneyResourceHandler(reader Reader) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req == nil || req.Params == nil || req.Params.URI == "" {
			return nil, fmt.Errorf("subject ID is required; use URI format journey://{subject_id}")
		}
		uri := req.Params.URI
		subjectID, err := SubjectIDFromURI(uri)
		if err != nil {
			return nil, err
		}

		runCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		view, err := Load(runCtx, reader, subjectID)
		if err != nil {
			return nil, fmt.Errorf("read journey %s: %w", subjectID, err)
		}
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal journey view: %w", err)
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			}},
		}, nil
	}
}

// ReadinessTool defines the journey_readiness tool.
func ReadinessTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        ReadinessToolName,
		Description: "Returns the current phase, missing checkpoints and readiness classification of a subject. Read-only.",
	}
}

// ReadinessHandler executes journey_readiness.
func ReadinessHandler(reader Reader) mcp.ToolHandlerFor[ReadinessInput, ReadinessResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadinessInput) (*mcp.CallToolResult, ReadinessResult, error) {
		subjectID := strings.TrimSpace(input.SubjectID)
		if subjectID == "" {
			return nil, ReadinessResult{}, fmt.Errorf("subject_id is required")
		}
		runCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		view, err := Load(runCtx, reader, subjectID)
		if err != nil {
			return nil, ReadinessResult{}, fmt.Errorf("read journey %s: %w", subjectID, err)
		}
		return nil, readinessResult(view), nil
	}
}

// SubjectIDFromURI extracts the subject from journey://{subject_id}.
func SubjectIDFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), JourneyURIScheme)
	if !ok {
		return "", fmt.Errorf("URI must start with %q", JourneyURIScheme)
	}
	subjectID := strings.TrimSpace(strings.TrimSuffix(rest, "/"))
	if subjectID == "" || strings.Contains(subjectID, "/") || subjectID == "{subject_id}" {
		return "", fmt.Errorf("subject ID is required in URI %q", uri)
	}
	return subjectID, nil
}
