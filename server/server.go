package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Server accepts WebTransport sessions over QUIC and dispatches each one to
// handleClient, which runs the control protocol and voice/video relay for
// that session (§4.1, §4.6).
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	state       *ServerState
	password    string
	idleTimeout time.Duration
}

// NewServer builds a Server bound to addr. password may be empty, per
// §4.2's "optional password".
func NewServer(addr string, tlsConfig *tls.Config, state *ServerState, password string, idleTimeout time.Duration) *Server {
	return &Server{
		addr:        addr,
		tlsConfig:   tlsConfig,
		state:       state,
		password:    password,
		idleTimeout: idleTimeout,
	}
}

// Run starts the QUIC/WebTransport listener and blocks until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	wt := webtransport.Server{
		H3: http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
				MaxIdleTimeout:  s.idleTimeout,
			},
		},
	}

	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "component", "server", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go handleClient(ctx, sess, s.state, s.password)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("szechat server"))
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wt.H3.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "component", "server", "addr", s.addr)

	err := wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
