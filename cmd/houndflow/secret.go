package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/houndflow/internal/secrets"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the encrypted secrets referenced as ${{ secrets.KEY }}",
		Long: "Manage the encrypted secrets referenced from step params as ${{ secrets.KEY }}.\n" +
			"The vault passphrase is read from HOUNDFLOW_VAULT_KEY (or vault_key).",
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretListCmd(), newSecretDeleteCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				value = []byte(strings.TrimRight(string(data), "\r\n"))
			}
			return withVault(cmd, func(ctx context.Context, v secrets.Vault) error {
				if err := v.Store(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, func(ctx context.Context, v secrets.Vault) error {
				keys, err := v.List(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(ctx context.Context, v secrets.Vault) error {
				if err := v.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

// withVault opens the configured store and vault for the duration of fn.
func withVault(cmd *cobra.Command, fn func(ctx context.Context, v secrets.Vault) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.VaultKey == "" {
		return fmt.Errorf("vault key not set (HOUNDFLOW_VAULT_KEY)")
	}
	if cfg.StateBackend == "memory" {
		return fmt.Errorf("secrets need a persistent state_backend (libsql or redis)")
	}
	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := newVault(cfg, st)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), v)
}
