package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"securitydept/claims"
)

func newClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Work with claims check policies",
	}
	cmd.AddCommand(newClaimsCheckCmd())
	return cmd
}

// newClaimsCheckCmd runs a policy against a claims document the same way the
// login callback would, so operators can test a script before deploying it.
func newClaimsCheckCmd() *cobra.Command {
	var (
		script    string
		claimsArg string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a claims check against a JSON claims document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readClaimsInput(cmd, claimsArg)
			if err != nil {
				return err
			}
			var input map[string]any
			if err := json.Unmarshal(raw, &input); err != nil {
				return fmt.Errorf("claims must be a JSON object: %w", err)
			}

			checker, err := claims.Load(script, timeout)
			if err != nil {
				return err
			}
			res, err := claims.Evaluate(cmd.Context(), checker, input)
			var rejected *claims.RejectedError
			if err != nil && !errors.As(err, &rejected) {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
			if rejected != nil {
				return rejected
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "Policy file (.cel, .ts or .js); empty uses the default check")
	cmd.Flags().StringVar(&claimsArg, "claims", "-", "Claims JSON file, or - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", claims.DefaultTimeout, "Script execution limit")
	return cmd
}

func readClaimsInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
	}
	return os.ReadFile(arg)
}
