package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/logging"
)

var secretNames = []string{config.SecretProviderToken, config.SecretWebhookSecret}

func checkSecretName(name string) error {
	for _, n := range secretNames {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("unknown secret %q, expected one of %s", name, strings.Join(secretNames, ", "))
}

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the provider token and webhook secret",
	}
	cmd.AddCommand(newSecretSetCommand(), newSecretClearCommand())
	return cmd
}

func newSecretSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkSecretName(args[0]); err != nil {
				return err
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
				value = line
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("secret value is empty; use \"secret clear\" to remove it")
			}
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			if err := a.Secrets.Set(cmd.Context(), args[0], value); err != nil {
				return err
			}
			_, err = fmt.Fprintf(rt.writer, "%s set to %s (encrypted: %t)\n", args[0], logging.Redact(value), a.Secrets.Encrypted())
			return err
		},
	}
}

func newSecretClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear NAME",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkSecretName(args[0]); err != nil {
				return err
			}
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			if err := a.Secrets.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(rt.writer, "%s cleared\n", args[0])
			return err
		},
	}
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Provider token tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the stored provider token and list its message streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := appFor(cmd)
			if err != nil {
				return err
			}
			s, err := a.Settings.Settings(cmd.Context())
			if err != nil {
				return err
			}
			if s.ProviderToken == "" {
				return fmt.Errorf("no provider token is stored")
			}
			info, err := a.Provider.VerifyToken(cmd.Context(), s.ProviderToken)
			if err != nil {
				return err
			}
			if rt.Format().structured() {
				return writeObject(rt.writer, rt.Format(), info)
			}
			_, err = fmt.Fprintf(rt.writer, "server: %s\nstreams: %s\n", info.Name, strings.Join(info.Streams, ", "))
			return err
		},
	})
	return cmd
}
