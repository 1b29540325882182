package formationctl

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/louisbranch/formation/internal/services/formation/domain/authz"
)

func newGrantCommand() *cobra.Command {
	grant := &cobra.Command{Use: "grant", Short: "Manage regression grants"}
	grant.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh ed25519 grant key pair as shell exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return authz.GenerateKeys(cmd.OutOrStdout(), nil)
		},
	})

	var (
		req authz.IssueRequest
		ttl time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a regression grant with FORMATION_REGRESSION_GRANT_PRIVATE_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issuer, err := authz.IssuerFromEnv(ttl)
			if err != nil {
				return err
			}
			token, issued, err := issuer.Issue(req, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "grant %s for %s -> %s expires %s\n",
				issued.ID, issued.SubjectID, issued.ToPhase, issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	f := issue.Flags()
	f.StringVar(&req.SubjectID, "subject", "", "Subject the grant applies to (required)")
	f.StringVar(&req.ToPhase, "to", "", "Phase the subject may regress to (required)")
	f.StringVar(&req.AuthorizedBy, "by", "", "Administrator authorizing the regression (required)")
	f.StringVar(&req.Reason, "reason", "", "Free-form reason recorded with the grant")
	f.DurationVar(&ttl, "ttl", authz.DefaultGrantTTL, "Grant lifetime")
	_ = issue.MarkFlagRequired("subject")
	_ = issue.MarkFlagRequired("to")
	_ = issue.MarkFlagRequired("by")
	grant.AddCommand(issue)
	return grant
}
