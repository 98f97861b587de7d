package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cerberus-gate/cerberus/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [access-key]",
	Short: "Hash an agent access key",
	Long: `Hash an agent access key for direct database insertion.

Prints both accepted hash forms: the SHA-256 hex hash used for indexed
lookup, and an Argon2id PHC string, which trades the indexed lookup for
resistance to offline cracking of a leaked database. Either can be
stored in the key_hash column.

Example:
  cerberus hash-key "cak_live_..."

Security note: The key will appear in shell history.
Consider using an environment variable:
  cerberus hash-key "$AGENT_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		argonHash, err := auth.HashKeyArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("argon2id hash failed: %w", err)
		}
		fmt.Printf("sha256:   %s\n", auth.HashKey(args[0]))
		fmt.Printf("argon2id: %s\n", argonHash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
