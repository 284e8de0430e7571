package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fr13n8/h2mux/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type configKey struct{}

var (
	rootCmd = &cobra.Command{
		Use:          "h2mux",
		Short:        "HTTP/2 stream multiplexing client and server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initLogger(cfg.Log); err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(
		serveCmd,
		getCmd,
	)
}

func configFrom(ctx context.Context) *config.Config {
	return ctx.Value(configKey{}).(*config.Config)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr,
		FormatTimestamp: func(i interface{}) string {
			return ""
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
