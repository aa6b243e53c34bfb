package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/polaris/pkg/config"
	"github.com/ajitpratap0/polaris/pkg/featureflag"
	"github.com/ajitpratap0/polaris/pkg/logger"
	"github.com/ajitpratap0/polaris/pkg/lookup"
	"github.com/ajitpratap0/polaris/pkg/resolve"
	"github.com/ajitpratap0/polaris/pkg/secretstore"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	var configFile string
	var logLevel string

	root := &cobra.Command{
		Use:   "polaris",
		Short: "Polaris - Unified configuration resolution engine",
		Long: `Polaris resolves configuration keys through a strict priority cascade:
secret store, feature-flag variant payloads, process environment, and
caller-supplied defaults, with short-TTL caching and graceful degradation
when either backend is unavailable.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file (default: environment variables)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Polaris v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var defaultValue string
	var skipCache bool
	getCmd := &cobra.Command{
		Use:   "get <key> [key...]",
		Short: "Resolve one or more configuration keys",
		Long: `Resolve configuration keys through the full cascade and print each value
together with the source that produced it.

Example:
  polaris get DATABASE_URL FEATURE_BANNER_TEXT --default ""`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, cleanup, err := buildEngine(configFile, logLevel)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			resolver.WaitForBackends(ctx)

			opts := lookup.Options{SkipCache: skipCache}
			if cmd.Flags().Changed("default") {
				opts.DefaultValue = &defaultValue
			}

			results := resolver.GetConfigs(ctx, args, opts)
			for _, key := range args {
				res := results[key]
				if !res.Found {
					fmt.Printf("%s\t<not found>\n", key)
					continue
				}
				fmt.Printf("%s\t%s\t(%s)\n", key, res.Value, res.Source)
			}
			return nil
		},
	}
	getCmd.Flags().StringVar(&defaultValue, "default", "", "default value when no source resolves the key")
	getCmd.Flags().BoolVar(&skipCache, "skip-cache", false, "bypass the resolver cache")
	root.AddCommand(getCmd)

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Probe backend readiness",
		Long:  "Initialize both backend clients, wait for readiness, and report each backend's state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}

			log := logger.Get()
			secrets := secretstore.NewClient(cfg.SecretStore, log)
			flags := featureflag.NewClient(cfg.FeatureFlags, secrets, log)
			defer func() { _ = flags.Close() }()
			defer func() { _ = secrets.Close() }()

			resolver := resolve.NewResolver(cfg.Resolver, secrets, flags, log)
			resolver.WaitForBackends(cmd.Context())

			fmt.Printf("secret store:  %s\n", secrets.State())
			fmt.Printf("feature flags: %s\n", flags.State())
			if resolver.IsServiceReady() {
				fmt.Println("service: ready")
				return nil
			}
			fmt.Println("service: degraded")
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Get().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig loads configuration from the given file or, when no file is
// given, from POLARIS_* environment variables, and initializes logging.
func loadConfig(configFile, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.FromEnv()
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine wires both backend clients and the resolver.
func buildEngine(configFile, logLevel string) (*resolve.Resolver, func(), error) {
	cfg, err := loadConfig(configFile, logLevel)
	if err != nil {
		return nil, nil, err
	}

	log := logger.Get()
	secrets := secretstore.NewClient(cfg.SecretStore, log)
	flags := featureflag.NewClient(cfg.FeatureFlags, secrets, log)
	resolver := resolve.NewResolver(cfg.Resolver, secrets, flags, log)

	cleanup := func() {
		_ = flags.Close()
		_ = secrets.Close()
		_ = logger.Sync()
	}
	return resolver, cleanup, nil
}
