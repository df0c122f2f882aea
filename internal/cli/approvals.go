package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/internal/approvals"
	"github.com/tokengate/tokengate/pkg/types"
)

func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and resolve pending approval prompts",
	}
	cmd.AddCommand(newApprovalsListCmd())
	cmd.AddCommand(newApprovalsResolveCmd())
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Approvals []approvals.Request `json:"approvals"`
			}
			if err := adminGet(cmd, "/v1/approvals", &out); err != nil {
				return err
			}
			if len(out.Approvals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tMETHOD\tRESOURCE\tEXPIRES")
			for _, a := range out.Approvals {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Host, a.Method, a.Resource, a.ExpiresAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, a := range out.Approvals {
				fmt.Fprintf(cmd.OutOrStdout(), "\noptions for %s:\n", a.ID)
				for i, opt := range a.Options {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s  (%s)\n", i+1, opt.Pattern, opt.Description)
				}
			}
			return nil
		},
	}
}

func newApprovalsResolveCmd() *cobra.Command {
	var kind, pattern, totpCode string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"kind":      kind,
				"pattern":   pattern,
				"totp_code": totpCode,
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(adminBase(cmd)+"/v1/approvals/"+args[0],
				"application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(resp.Body)
				return &ExitError{code: 1, message: fmt.Sprintf("resolve failed: %s", bytes.TrimSpace(msg))}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resolved")
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(types.AllowOnce),
		"decision kind: allow_once, allow_forever, reject_once, reject_forever")
	cmd.Flags().StringVar(&pattern, "pattern", "", "pattern for forever decisions (must be one of the offered options)")
	cmd.Flags().StringVar(&totpCode, "totp", "", "TOTP code (required for forever decisions when enabled)")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var host, eventType string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit event store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := fmt.Sprintf("/v1/audit?limit=%d", limit)
			if host != "" {
				path += "&host=" + host
			}
			if eventType != "" {
				path += "&type=" + eventType
			}
			var out struct {
				Events []types.Event `json:"events"`
			}
			if err := adminGet(cmd, path, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out.Events)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "filter by host")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

func adminGet(cmd *cobra.Command, path string, out any) error {
	resp, err := http.Get(adminBase(cmd) + path)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
