package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"courtbot/internal/api"
	"courtbot/internal/config"
	"courtbot/internal/secrets"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate secrets for the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "storage",
		Short: "Generate a storage.secrets_key value (base64, 32 bytes)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export COURTBOT_SECRETS_KEY=%s\n", k)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "api-token",
		Short: "Hash an admin token (read from stdin) for api.token_hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			h, err := api.HashToken(tok)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token_hash: %q\n", h)
			return nil
		},
	})
	return cmd
}

// newEncryptCmd seals a value (read from stdin) with the configured
// storage.secrets_key, for pasting into a database row.
func newEncryptCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Seal a secret from stdin with storage.secrets_key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(opts.cfgPath).Load()
			if err != nil {
				return err
			}
			if cfg.Storage.SecretsKey == "" {
				return errors.New("storage.secrets_key is not set")
			}
			box, err := secrets.FromBase64(cfg.Storage.SecretsKey)
			if err != nil {
				return err
			}
			plain, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			sealed, err := box.Seal(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}
