// Package cmd implements the guesthost command line.
package cmd

import (
	stdErrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reglet-dev/reglet-embed/config"
	"github.com/reglet-dev/reglet-embed/domain/errors"
)

var (
	cfgFile string
	v       = config.NewViper()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "guesthost",
	Short:         "Run scripts on an embedded WebAssembly guest runtime",
	Long:          `guesthost loads a bridge WebAssembly module, starts the guest runtime inside it, runs scripts and stops it again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./guesthost.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd, schemaCmd, validateCmd)
}

// initConfig points viper at the config file.
func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("guesthost")
}

// loadConfig reads the config file, if any, and decodes the merged configuration.
func loadConfig() (*config.File, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stdErrors.As(err, &notFound) {
			return nil, &errors.ConfigError{Err: err}
		}
	}
	return config.FromViper(v)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, &errors.ConfigError{Field: "log_level", Err: err}
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		cfg.Development = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// exitCode maps an error to a process exit code. Guest codes that fit an
// exit status are passed through; everything else exits with 1.
func exitCode(err error) int {
	status := errors.Status(err)
	if status.Native() && status <= 125 {
		return int(status)
	}
	return 1
}
