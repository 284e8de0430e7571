package main

import (
	"github.com/fr13n8/h2mux/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo routes over h2c (TCP) or HTTP/2 (QUIC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())

			srv, err := server.New(cmd.Context(), cfg.Server, server.NewHandler())
			if err != nil {
				log.Error().Err(err).Msg("failed to start server")
				return err
			}

			hash, err := srv.CertificateFingerprint()
			if err != nil {
				log.Warn().Err(err).Msg("could not read certificate")
			} else if hash != nil {
				log.Info().Msgf("certificate fingerprint: %X", hash)
			}

			return srv.Listen(cmd.Context())
		},
	}
)

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", "0.0.0.0:8080", "Listen address")
	flags.String("network", "tcp", "Carrier network: tcp or quic")
	flags.String("cert-dir", "/etc/h2mux", "Directory holding the self-signed certificate (quic only)")

	bindFlags(serveCmd, map[string]string{
		"server.address":  "addr",
		"server.network":  "network",
		"server.cert_dir": "cert-dir",
	})
}
