package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
)

// distributionPrincipal is the identity public endpoints act as.
var distributionPrincipal = pki.Principal{ID: "distribution", Role: pki.RoleAdmin}

// newRouter serves health, metrics and public CA material: issuer
// certificates and their CRLs.
func newRouter(ca *pki.Authority, reg *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Get("/crl/{issuerID}", func(w http.ResponseWriter, r *http.Request) {
		issuerID := chi.URLParam(r, "issuerID")
		crl, err := ca.GenerateCRL(r.Context(), issuerID, distributionPrincipal)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(crl)
	})

	r.Get("/ca/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cert, err := ca.GetByID(r.Context(), id, distributionPrincipal)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if !cert.IsCA {
			http.NotFound(w, r)
			return
		}
		enc, contentType := pki.EncodingPEM, "application/x-pem-file"
		if r.URL.Query().Get("format") == "der" {
			enc, contentType = pki.EncodingDER, "application/pkix-cert"
		}
		// CA certificates are public; serving one is not an audited download.
		data, err := cert.Encode(enc)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	})
	return r
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, pki.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, pki.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pki.ErrNotAuthorized):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve CA certificates, CRLs and metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := rt.cfg.Server.Addr
		if listenAddr != "" {
			addr = listenAddr
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           newRouter(rt.ca, rt.registry, rt.logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (storage: %s)...\n", addr, rt.cfg.Storage.Driver)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides server.addr)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
