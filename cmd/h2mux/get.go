package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fr13n8/h2mux/client"
	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	re          = lipgloss.NewRenderer(os.Stdout)
	HeaderStyle = re.NewStyle().Bold(true).Align(lipgloss.Center)
	CellStyle   = re.NewStyle().Padding(0, 1)
	RowStyle    = CellStyle
	ErrorStyle  = CellStyle.Foreground(lipgloss.Color("9"))
	BorderStyle = lipgloss.NewStyle()
)

var (
	getMethod      string
	getData        string
	getRepeat      int
	getConcurrency int
	getPing        bool
	getStats       bool
	metricsAddr    string
)

var (
	getCmd = &cobra.Command{
		Use:   "get [flags] PATH|URL...",
		Short: "Send requests over one multiplexed connection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)

			receiver, report, stop, err := newReceiver(ctx)
			if err != nil {
				return err
			}
			defer stop()

			reqs, err := buildRequests(ctx, cfg.Dialer, args)
			if err != nil {
				return err
			}

			c, err := client.Dial(ctx, cfg, receiver)
			if err != nil {
				log.Error().Err(err).Msg("failed to connect")
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
				defer cancel()
				if err := c.Close(closeCtx); err != nil {
					log.Debug().Err(err).Msg("close")
				}
			}()

			results := c.DoAll(ctx, reqs, getConcurrency)
			fmt.Println(resultsTable(results))
			log.Info().Str("mode", c.Mode().String()).Str("status", c.Status().String()).Msg("done")

			if getPing && c.Mode() == client.ModeHTTP2 {
				rtt, err := c.Ping(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("ping failed")
				} else {
					log.Info().Dur("rtt", rtt).Msg("ping")
				}
			}
			if getStats && report != nil {
				fmt.Println(report())
			}

			for _, r := range results {
				if r.Err != nil {
					return errors.New("some requests failed")
				}
			}
			return nil
		},
	}
)

func init() {
	flags := getCmd.Flags()
	flags.StringVarP(&getMethod, "method", "X", http.MethodGet, "Request method")
	flags.StringVarP(&getData, "data", "d", "", "Request body")
	flags.IntVarP(&getRepeat, "repeat", "n", 1, "Send every request this many times")
	flags.IntVar(&getConcurrency, "concurrency", 8, "Maximum exchanges in flight")
	flags.BoolVar(&getPing, "ping", false, "Measure the round trip of a PING after the requests")
	flags.BoolVar(&getStats, "stats", false, "Print connection metrics after the requests")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address while running")

	flags.String("addr", "127.0.0.1:8080", "Server address")
	flags.String("network", "tcp", "Carrier network: tcp or quic")
	flags.String("mode", "upgrade", "Negotiation: upgrade or prior-knowledge")
	flags.Bool("tls", false, "Use TLS over TCP")
	flags.Bool("insecure", false, "Skip certificate verification")
	flags.String("ca-file", "", "CA bundle used to verify the server")

	bindFlags(getCmd, map[string]string{
		"dialer.address":                  "addr",
		"dialer.network":                  "network",
		"dialer.mode":                     "mode",
		"dialer.tls.enabled":              "tls",
		"dialer.tls.insecure_skip_verify": "insecure",
		"dialer.tls.ca_file":              "ca-file",
	})
}

func buildRequests(ctx context.Context, cfg config.Dialer, args []string) ([]*http.Request, error) {
	scheme := "http"
	if cfg.TLS.Enabled || cfg.Network == config.NetworkQUIC {
		scheme = "https"
	}

	var reqs []*http.Request
	for range max(getRepeat, 1) {
		for _, arg := range args {
			target := arg
			if !strings.Contains(arg, "://") {
				target = fmt.Sprintf("%s://%s/%s", scheme, cfg.Address, strings.TrimPrefix(arg, "/"))
			}
			var body io.Reader
			if getData != "" {
				body = strings.NewReader(getData)
			}
			req, err := http.NewRequestWithContext(ctx, getMethod, target, body)
			if err != nil {
				return nil, fmt.Errorf("invalid request %q: %w", arg, err)
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// newReceiver picks where connection metrics go: a Prometheus registry served
// on --metrics-addr, or an in-memory go-metrics sink printed with --stats.
func newReceiver(ctx context.Context) (stats.Receiver, func() string, func(), error) {
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("serving metrics")
		stop := func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.ShutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}
		return stats.NewPrometheus(reg, "h2mux"), nil, stop, nil
	}

	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	conf := metrics.DefaultConfig("h2mux")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := metrics.New(conf, sink)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not create metrics: %w", err)
	}
	return stats.NewMetrics(m), func() string { return metricsTable(sink).String() }, func() {}, nil
}

func resultsTable(results []client.Result) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(BorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return HeaderStyle
			}
			if r := results[row-1]; r.Err != nil && col == 4 {
				return ErrorStyle
			}
			return RowStyle
		}).
		Headers("#", "Request", "Stream", "Proto", "Status", "Bytes", "Duration")

	for i, r := range results {
		stream, proto, status, size := "-", "-", r.Err, "-"
		if r.Response != nil {
			if r.Response.StreamID != 0 {
				stream = strconv.FormatUint(uint64(r.Response.StreamID), 10)
			}
			proto = r.Response.Proto
			size = strconv.Itoa(len(r.Response.Body))
		}
		statusText := "-"
		switch {
		case status != nil:
			statusText = status.Error()
		case r.Response != nil:
			statusText = strconv.Itoa(r.Response.StatusCode)
		}
		t.Row(
			strconv.Itoa(i+1),
			r.Request.Method+" "+r.Request.URL.RequestURI(),
			stream,
			proto,
			statusText,
			size,
			r.Duration.Round(time.Microsecond).String(),
		)
	}
	return t
}

func metricsTable(sink *metrics.InmemSink) *table.Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(BorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return HeaderStyle
			}
			return RowStyle
		}).
		Headers("Metric", "Value")

	// Counters add up across intervals; gauges keep their latest value.
	rows := map[string]float64{}
	for _, interval := range sink.Data() {
		for name, c := range interval.Counters {
			rows[name] += c.Sum
		}
		for name, g := range interval.Gauges {
			rows[name] = float64(g.Value)
		}
	}
	names := make([]string, 0, len(rows))
	for name := range rows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.Row(name, strconv.FormatFloat(rows[name], 'f', -1, 64))
	}
	return t
}
