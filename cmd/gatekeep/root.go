package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
)

var (
	cfgFile string
	envFile string
	verbose bool
	cfg     *config.Config
	loader  *config.Loader
)

var rootCmd = &cobra.Command{
	Use:          "gatekeep",
	Short:        "Admission-controlled HTTP dispatcher",
	Long:         `Gatekeep filters, rate limits and routes HTTP requests to handlers, with CORS, content negotiation and per-client overrides.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(os.Stderr, "info")

		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}

		loader = config.NewLoader(cfgFile)
		var err error
		cfg, err = loader.Load()
		if err != nil {
			return err
		}

		setupLogging(os.Stderr, cfg.Log.Level)
		if used := loader.ConfigFileUsed(); used != "" {
			slog.Debug("configuration loaded", "file", used)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// normalizeFlag accepts config-style underscores, so --no_tls means --no-tls.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// setupLogging installs a text handler on terminals and JSON otherwise.
func setupLogging(w io.Writer, levelName string) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
