package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/internal/approvals"
)

func newTOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage the approval TOTP second factor",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Generate a TOTP secret and show the enrollment QR code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := approvals.GenerateTOTPSecret()
			if err != nil {
				return err
			}
			if err := approvals.DisplayTOTPSetup(cmd.OutOrStdout(), secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Export the secret and enable TOTP in the config:")
			fmt.Fprintf(cmd.OutOrStdout(), "  export TOKENGATE_TOTP_SECRET=%s\n", secret)
			fmt.Fprintln(cmd.OutOrStdout(), "  approvals.totp: {enabled: true, secret_env_var: TOKENGATE_TOTP_SECRET}")
			return nil
		},
	})
	return cmd
}
