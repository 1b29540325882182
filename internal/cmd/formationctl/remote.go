package formationctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"
	gogrpc "google.golang.org/grpc"

	"github.com/louisbranch/formation/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/formation/internal/platform/grpc"
	"github.com/louisbranch/formation/internal/platform/timeouts"
	formationgrpc "github.com/louisbranch/formation/internal/services/formation/api/grpc"
	"github.com/louisbranch/formation/internal/services/formation/api/wire"
)

func (o *options) dial(ctx context.Context) (*gogrpc.ClientConn, error) {
	addr := discovery.OrDefaultGRPCAddr(o.addr, discovery.ServiceFormation)
	return platformgrpc.DialWithHealth(ctx, addr, platformgrpc.DialConfig{
		HealthService: formationgrpc.ServiceName,
		Logf:          log.Printf,
	})
}

func newSubmitCommand(opts *options) *cobra.Command {
	var (
		req         wire.CommandRequest
		expectedSeq int64
	)
	submit := &cobra.Command{
		Use:   "submit <subject> <type> [payload-json]",
		Short: "Submit a command to a running formation service",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SubjectID = args[0]
			req.Type = args[1]
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(args[2])
			}
			if expectedSeq >= 0 {
				seq := uint64(expectedSeq)
				req.ExpectedSeq = &seq
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			in, err := formationgrpc.StructFromJSON(body)
			if err != nil {
				return err
			}

			conn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			out, err := formationgrpc.NewJourneyServiceClient(conn).SubmitCommand(cmd.Context(), in)
			if err != nil {
				return err
			}
			data, err := out.MarshalJSON()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), json.RawMessage(data))
		},
	}
	f := submit.Flags()
	f.StringVar(&req.ActorID, "actor", "", "Actor recorded on the event")
	f.StringVar(&req.IdempotencyKey, "key", "", "Idempotency key (generated when empty)")
	f.Int64Var(&expectedSeq, "expected-seq", -1, "Reject unless the journal is at this sequence")
	return submit
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the gRPC and HTTP endpoints of a formation service are healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := opts.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "SERVING %s\n", conn.Target())

			baseURL := discovery.OrDefaultHTTPBaseURL(opts.httpURL, discovery.ServiceFormation)
			status, err := httpHealth(cmd.Context(), baseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s/healthz\n", status, baseURL)
			return nil
		},
	}
}

func httpHealth(ctx context.Context, baseURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http health: %s", resp.Status)
	}
	return "OK", nil
}
