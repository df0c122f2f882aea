package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/internal/pattern"
)

func newPatternCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Work with grant/rejection patterns",
	}
	cmd.AddCommand(newPatternTestCmd())
	return cmd
}

// newPatternTestCmd checks a pattern against a request key offline, the same
// way the proxy would at mediation time.
func newPatternTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <pattern> <request-key>",
		Short: "Test whether a pattern matches a request key",
		Example: `  tokengate pattern test "GET /repos/*/actions" "GET /repos/acme/actions"
  tokengate pattern test 'GRAPHQL mutation createIssue(input: $ANY)' 'GRAPHQL mutation createIssue(input: {title: "x"})'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := pattern.Matches(args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
				return &ExitError{code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "match")
			return nil
		},
	}
}
