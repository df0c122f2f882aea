// Package cli implements the tokengate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tokengate",
		Short:         "tokengate: credential-mediating intercepting proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("tokengate {{.Version}}\n")

	cmd.PersistentFlags().String("admin", getenvDefault("TOKENGATE_ADMIN", "http://127.0.0.1:8081"), "admin API base URL")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newApprovalsCmd())
	cmd.AddCommand(newPatternCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newTOTPCmd())

	return cmd
}

func adminBase(cmd *cobra.Command) string {
	base, _ := cmd.Root().PersistentFlags().GetString("admin")
	if base == "" {
		base = "http://127.0.0.1:8081"
	}
	return base
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
