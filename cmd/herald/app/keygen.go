package app

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heraldhq/herald/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a value for auth.encryption_key",
		Long: `Print a random base64-encoded AES-256 key. Set it as auth.encryption_key
(or HERALD_AUTH_ENCRYPTION_KEY) to seal the generated token signing secret
before it is written to storage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
