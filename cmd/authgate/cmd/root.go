package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/authgate/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// v holds settings from the environment, the config file and flags.
var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "authgate is a second-factor login gateway",
	Long: `A login gateway that adds Duo, security key and Yubikey OTP second
factors, remote device approval and IP blacklisting in front of a
form-login identity provider.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	bindFlag("CONFIG", rootCmd.PersistentFlags(), "config")
	bindFlag("LOG_LEVEL", rootCmd.PersistentFlags(), "log-level")
}

// bindFlag ties a flag to a config key. The flag only overrides the
// environment and config file when it is set on the command line.
func bindFlag(key string, flags interface{ Lookup(string) *pflag.Flag }, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("binding --%s: %v", name, err))
	}
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

// newLogger returns the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
