package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datasource/pkg/config"
	"github.com/ekaya-inc/ekaya-datasource/pkg/crypto"
)

func newSealCmd(opts func() appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a credential value read from stdin with DATASOURCE_CREDENTIALS_KEY",
		Long: "Reads one line from stdin and prints an enc: value suitable for a\n" +
			"<PREFIX>_<KEY> credential environment variable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := opts()
			cfg, err := config.Load(o.configPath, o.version)
			if err != nil {
				return err
			}
			if cfg.CredentialsKey == "" {
				return errors.New("DATASOURCE_CREDENTIALS_KEY is not set")
			}
			sealer, err := crypto.NewSealer(cfg.CredentialsKey)
			if err != nil {
				return err
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read value from stdin: %w", err)
			}
			sealed, err := sealer.Seal(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
