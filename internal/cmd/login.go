package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/sdlink/internal/secrets"
)

var (
	loginCivitaiToken string
	loginHFToken      string
	logoutTokens      bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the server password and hub tokens in the secret store",
	Long: `Store credentials in the platform secret store (the macOS Keychain).

The password is read from --password, or from the first line of standard
input when the flag is not given. Passwords are stored per server host.

Examples:
  sdlink login --endpoint wss://gpu.example/ws
  echo "$PW" | sdlink login
  sdlink login --hf-token hf_xxx --civitai-token abc`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long: `Remove the stored password of the configured endpoint and, with
--tokens, the stored hub tokens.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVar(&loginCivitaiToken, "civitai-token", "", "CivitAI API token to store")
	loginCmd.Flags().StringVar(&loginHFToken, "hf-token", "", "Hugging Face access token to store")
	logoutCmd.Flags().BoolVar(&logoutTokens, "tokens", false, "Also remove the stored hub tokens")
}

func requireSecretStore() error {
	if !secrets.IsSupported() {
		return fmt.Errorf("%w; use SDLINK_PASSWORD and the config file instead", secrets.ErrNotSupported)
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	if err := requireSecretStore(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	onlyTokens := cmd.Flags().Changed("civitai-token") || cmd.Flags().Changed("hf-token")

	password := passwordFlag
	if password == "" && !onlyTokens {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			password = strings.TrimSpace(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if password == "" {
			return errors.New("no password given (use --password or standard input)")
		}
	}

	if password != "" {
		if err := secrets.SetPassword(cfg.Endpoint, password); err != nil {
			return fmt.Errorf("failed to store password: %w", err)
		}
		fmt.Fprintf(out, "Stored password for %s\n", cfg.Endpoint)
	}
	if loginCivitaiToken != "" {
		if err := secrets.SetToken(secrets.AccountCivitaiToken, loginCivitaiToken); err != nil {
			return fmt.Errorf("failed to store CivitAI token: %w", err)
		}
		fmt.Fprintln(out, "Stored CivitAI token")
	}
	if loginHFToken != "" {
		if err := secrets.SetToken(secrets.AccountHFToken, loginHFToken); err != nil {
			return fmt.Errorf("failed to store Hugging Face token: %w", err)
		}
		fmt.Fprintln(out, "Stored Hugging Face token")
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := requireSecretStore(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	remove := func(what string, del func() error) error {
		err := del()
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			fmt.Fprintf(out, "No stored %s\n", what)
		case err != nil:
			return fmt.Errorf("failed to remove %s: %w", what, err)
		default:
			fmt.Fprintf(out, "Removed %s\n", what)
		}
		return nil
	}

	if err := remove("password for "+cfg.Endpoint, func() error { return secrets.DeletePassword(cfg.Endpoint) }); err != nil {
		return err
	}
	if !logoutTokens {
		return nil
	}
	if err := remove("CivitAI token", func() error { return secrets.DeleteToken(secrets.AccountCivitaiToken) }); err != nil {
		return err
	}
	return remove("Hugging Face token", func() error { return secrets.DeleteToken(secrets.AccountHFToken) })
}
