package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fr13n8/h2mux/relay"
	"github.com/rs/zerolog/log"
)

// NewHandler returns the demo routes served by `h2mux serve`:
//
//	GET  /              reports the protocol the request arrived on
//	POST /echo          streams the request body back
//	GET  /delay/{ms}    answers after the given delay
//	GET  /status/{code} answers with the given status
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s %s\n", r.Proto, r.URL.Path)
	})
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 1 {
			// HTTP/1.x closes the request body on the first response write otherwise.
			if err := http.NewResponseController(w).EnableFullDuplex(); err != nil {
				log.Debug().Err(err).Msg("full duplex unavailable")
			}
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(http.StatusOK)
		if _, err := relay.Stream(w, r.Body); err != nil && !relay.IsOKNetworkError(err) {
			log.Warn().Err(err).Msg("echo interrupted")
		}
	})
	mux.HandleFunc("GET /delay/{ms}", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.PathValue("ms"))
		if err != nil || ms < 0 {
			http.Error(w, "invalid delay", http.StatusBadRequest)
			return
		}
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			fmt.Fprintf(w, "waited %dms\n", ms)
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("GET /status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 200 || code > 599 {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})
	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("proto", r.Proto).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}
