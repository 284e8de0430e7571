package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fr13n8/h2mux/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	v       = viper.New()
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Config file (default is ./h2mux.yaml or $HOME/.config/h2mux/h2mux.yaml)")
	flags.String("log-file", "console", `Log file path, or "console"`)
	flags.BoolP("verbose", "v", false, "Enable debug logging")

	bindFlags(rootCmd, map[string]string{
		"log.file":    "log-file",
		"log.verbose": "verbose",
	})
}

// bindFlags maps config keys to flags of cmd so that flags set on the
// command line override the config file.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			panic("unknown flag " + name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("h2mux")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/h2mux")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("using config file")
	}

	return config.Load(v)
}

func initLogger(cfg config.Log) error {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.File == "" || cfg.File == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out: os.Stderr,
			FormatTimestamp: func(i interface{}) string {
				return ""
			},
		})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o744); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		NoColor:    true,
		TimeFormat: time.DateTime,
	})
	return nil
}
