// Package cmd provides the CLI commands for sdlink.
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/sdlink/internal/appdir"
	"github.com/inercia/sdlink/internal/config"
	"github.com/inercia/sdlink/internal/fileutil"
	"github.com/inercia/sdlink/internal/logging"
)

var (
	// Global flags
	configPath    string
	endpointFlag  string
	passwordFlag  string
	dialectFlag   string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	metricsAddr   string

	// Loaded configuration, with environment and flag overrides applied.
	cfg *config.Config
	// creds are the credentials as found in each source.
	creds credentialSources

	// telemetry is the metrics registry of the running command.
	telemetry *metricsServer
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sdlink",
	Short: "sdlink - A command line client for remote Stable Diffusion servers",
	Long: `sdlink talks to a Stable Diffusion generation server over a
password protected WebSocket connection.

It lists the models available on the server, generates images from text
or from a source image, downloads new models and offers an interactive
shell for iterating on prompts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create sdlink directory: %w", err)
		}
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if err := initLogging(cmd); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		var err error
		telemetry, err = startMetrics(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if telemetry != nil {
			telemetry.Close()
			telemetry = nil
		}
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $SDLINK_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&endpointFlag, "endpoint", "e", "", "WebSocket URL of the generation server")
	rootCmd.PersistentFlags().StringVar(&passwordFlag, "password", "", "Server password (prefer 'sdlink login' or SDLINK_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&dialectFlag, "dialect", "", "Wire dialect: action or typed")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'client,cli'). Empty means all components.")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. ':9090')")
}

// loadConfig builds cfg from the config file, the environment and the
// persistent flags, in increasing order of priority.
func loadConfig(cmd *cobra.Command) error {
	path := configPath
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = appdir.ConfigPath(); err != nil {
			return err
		}
	}

	var err error
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	creds = credentialSources{}
	creds.file = credentials{Password: cfg.Password, CivitaiToken: cfg.CivitaiToken, HFToken: cfg.HFToken}
	cfg.Password, cfg.CivitaiToken, cfg.HFToken = "", "", ""
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	creds.env = credentials{Password: cfg.Password, CivitaiToken: cfg.CivitaiToken, HFToken: cfg.HFToken}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = endpointFlag
	}
	if flags.Changed("dialect") {
		cfg.Dialect = dialectFlag
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("password") {
		creds.flag.Password = passwordFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The effective credentials are resolved lazily, once the endpoint
	// they belong to is known.
	cfg.Password, cfg.CivitaiToken, cfg.HFToken = "", "", ""
	return nil
}

func initLogging(cmd *cobra.Command) error {
	// Priority: --log-level flag > --debug flag > config file > default (info)
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}

	components := cfg.Logging.Components
	if logComponents != "" {
		components = nil
		for _, c := range strings.Split(logComponents, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				components = append(components, c)
			}
		}
	}

	path := cfg.Logging.File
	if logFile != "" {
		path = logFile
	}
	var fileLog *logging.FileLogConfig
	if path != "" {
		fileLog = &logging.FileLogConfig{Path: fileutil.ExpandHome(path)}
	}

	return logging.Initialize(logging.Config{
		Level:      level,
		FileLevel:  cfg.Logging.FileLevel,
		FileLog:    fileLog,
		JSON:       cfg.Logging.JSON,
		Components: components,
		Console:    cmd.ErrOrStderr(),
	})
}

// cancelGrace is how long a cancelled generation may take to wind down
// before the command gives up on it.
var cancelGrace = 3 * time.Second
