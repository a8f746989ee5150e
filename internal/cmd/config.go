package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/sdlink/config"
	"github.com/inercia/sdlink/internal/appdir"
	"github.com/inercia/sdlink/internal/fileutil"
)

var (
	configOutputPath string
	configForce      bool
	configReveal     bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sdlink configuration",
	Long: `Manage sdlink configuration files.

Use the subcommands to create or inspect the configuration.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file at $SDLINK_DIR/config.yaml.

This command writes the embedded default configuration (config.default.yaml)
to the specified path. After creating the file, review and customize it for
your server.

Examples:
  sdlink config create                     # Create $SDLINK_DIR/config.yaml
  sdlink config create --output ./sd.yaml  # Create ./sd.yaml
  sdlink config create --force             # Overwrite existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file, SDLINK_*
environment variables, stored credentials and flags. Secrets are masked
unless --reveal is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: $SDLINK_DIR/config.yaml)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false,
		"Print the password and tokens in clear text")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	path := configOutputPath
	if path == "" {
		var err error
		if path, err = appdir.ConfigPath(); err != nil {
			return err
		}
	}
	path = fileutil.ExpandHome(path)

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, embeddedconfig.DefaultConfigYAML, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set the endpoint of your generation server")
	fmt.Fprintln(out, "  2. Run 'sdlink login' to store the server password")
	fmt.Fprintln(out, "  3. Run 'sdlink models' to check the connection")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	effective := *cfg
	effective.Password = creds.password(cfg.Endpoint)
	effective.CivitaiToken, effective.HFToken = creds.tokens()

	data, err := effective.Marshal(configReveal)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
