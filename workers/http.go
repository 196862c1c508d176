package workers

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"time"

	"gochainbridge/workers/handlers"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the operator API. gatherer may be nil to leave out /metrics.
func NewRouter(api *handlers.API, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Options("/*", CORSHeaders)

	r.Get("/state", api.State)
	r.Get("/health", api.HealthCheck)
	r.Get("/chains/{id}/head", api.ChainHead)

	r.Post("/transfers", api.SubmitTransfer)
	r.Get("/transfers/{id}", api.GetTransfer)
	r.Post("/transfers/{id}/retry", api.RetryTransfer)
	r.Post("/transfers/{id}/cancel", api.CancelTransfer)
	r.Post("/transfers/{id}/signatures", api.SubmitSignature)

	r.Get("/stats/failed", api.GetFailedTransactions)
	r.Get("/stats/deadletter", api.GetDeadLetters)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

type HTTPOptions struct {
	Listen string
	UseSSL bool
	// PEM files, used when UseSSL is set
	CertFile string
	KeyFile  string
}

// Worker_HTTP serves until ctx is cancelled, then shuts the server down gracefully
func Worker_HTTP(ctx context.Context, handler http.Handler, opts HTTPOptions) error {
	log.Printf("Starting HTTP service")

	server := &http.Server{
		Addr:              opts.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.UseSSL {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return err
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	errs := make(chan error, 1)
	go func() {
		var err error
		if opts.UseSSL {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()
	log.Printf("HTTP service started on %s", opts.Listen)

	select {
	case err, ok := <-errs:
		if ok {
			log.Printf("Error listening to %s: %s", opts.Listen, err.Error())
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Print("HTTP service stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP service shutdown error: %+v", err)
		return err
	}
	log.Print("HTTP service shutdown normal")
	return nil
}

func CORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Origin, X-Requested-With")
}
