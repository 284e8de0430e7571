// Package server serves HTTP/2 to h2mux clients: cleartext h2c (upgrade or
// prior knowledge) over TCP, and prior-knowledge HTTP/2 over QUIC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/internal/certs"
	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/relay"
	"github.com/fr13n8/h2mux/transport"
	"github.com/fr13n8/h2mux/transport/quic"
	"github.com/fr13n8/h2mux/transport/tcp"
	quicgo "github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	network    string
	listener   transport.PipeListener
	handler    http.Handler
	h2         *http2.Server
	httpServer *http.Server
	cert       *certs.SelfSigned

	// Pipes accepted from carriers that speak HTTP/2 from the first byte.
	connCh      chan transport.Pipe
	workerLimit int
	conns       sync.WaitGroup
}

// New listens on cfg.Address. TCP listeners serve h2c; QUIC listeners use a
// self-signed certificate kept in cfg.CertDir.
func New(ctx context.Context, cfg config.Server, handler http.Handler) (*Server, error) {
	var carrier transport.Carrier
	var cert *certs.SelfSigned
	switch cfg.Network {
	case config.NetworkQUIC:
		host, _, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", cfg.Address, err)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		cert = certs.NewSelfSigned(host, cfg.CertDir)
		tlsConfig, err := cert.ServerConfig(protocol.Name)
		if err != nil {
			return nil, err
		}
		carrier = quic.NewCarrier(tlsConfig)
	default:
		carrier = tcp.NewCarrier(nil)
	}

	listener, err := carrier.Listen(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("could not listen on address: %w", err)
	}

	h2 := &http2.Server{}
	httpServer := &http.Server{Handler: h2c.NewHandler(handler, h2)}
	// Registers h2 so that shutting httpServer down also sends GOAWAY on
	// every HTTP/2 connection.
	if err := http2.ConfigureServer(httpServer, h2); err != nil {
		listener.Close()
		return nil, fmt.Errorf("could not configure HTTP/2: %w", err)
	}

	return &Server{
		network:     cfg.Network,
		listener:    listener,
		handler:     handler,
		h2:          h2,
		httpServer:  httpServer,
		cert:        cert,
		connCh:      make(chan transport.Pipe),
		workerLimit: runtime.NumCPU(),
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// CertificateFingerprint returns the SHA-256 of the server certificate, or
// nil for cleartext listeners.
func (s *Server) CertificateFingerprint() ([]byte, error) {
	if s.cert == nil {
		return nil, nil
	}
	return s.cert.Fingerprint()
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	log.Info().Str("addr", fmt.Sprintf("%s/%s", s.network, s.listener.Addr().String())).Msg("server started")

	var g errgroup.Group

	if l, ok := s.listener.(*tcp.Listener); ok {
		g.Go(func() error {
			err := s.httpServer.Serve(l.NetListener())
			if errors.Is(err, http.ErrServerClosed) {
				log.Info().Msg("listener closed")
				return nil
			}
			return err
		})
	} else {
		g.Go(func() error {
			s.processConnections(ctx)
			return nil
		})

		g.Go(func() error {
			defer close(s.connCh)

			for {
				if err := ctx.Err(); err != nil {
					log.Info().Msg("stopping listener")
					return nil
				}

				pipe, err := s.listener.Accept(ctx)
				if err != nil {
					if errors.Is(err, quicgo.ErrServerClosed) || errors.Is(err, context.Canceled) || relay.IsUseOfClosedNetworkError(err) {
						log.Info().Msg("listener closed")
						return nil
					}
					log.Error().Err(err).Msg("failed to accept connection")
					continue
				}
				s.connCh <- pipe
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer stop()

		if err := s.ShutdownGracefully(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) processConnections(ctx context.Context) {
	sem := make(chan struct{}, s.workerLimit)

	for pipe := range s.connCh {
		sem <- struct{}{}
		s.conns.Add(1)
		go func() {
			defer func() { <-sem }()
			defer s.conns.Done()
			s.serveConn(ctx, pipe)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, pipe transport.Pipe) {
	conn, ok := pipe.(net.Conn)
	if !ok {
		log.Error().Str("remote_addr", pipe.RemoteAddr().String()).Msg("pipe does not support deadlines")
		pipe.Close()
		return
	}
	log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("serving connection")
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context:    ctx,
		BaseConfig: s.httpServer,
		Handler:    s.handler,
	})
}

// ShutdownGracefully stops accepting connections and waits for in-flight
// exchanges until ctx expires.
func (s *Server) ShutdownGracefully(ctx context.Context) error {
	log.Info().Msg("shutting down server gracefully...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.listener.Close(); err != nil && !relay.IsUseOfClosedNetworkError(err) {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
