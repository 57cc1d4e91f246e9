package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"account-security/internal/config"
	"account-security/internal/factory"
	"account-security/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, f); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains every listener.
func run(ctx context.Context, f *factory.Factory) error {
	cfg := f.Config()
	servers := buildServers(f, cfg)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			util.Info("Listening",
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls),
				util.String("environment", cfg.Environment),
			)
			var err error
			if s.tls {
				// Certificates come from TLSConfig.GetCertificate.
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully",
					util.String("address", s.srv.Addr), util.ErrorField(err))
			}
		}
		return nil
	})

	return g.Wait()
}

type listener struct {
	srv *http.Server
	tls bool
}

func buildServers(f *factory.Factory, cfg *config.Config) []listener {
	router := f.Router()

	newServer := func(addr string, h http.Handler) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled", util.Int("port", cfg.Server.Port))
		return []listener{{srv: newServer(cfg.GetServerAddress(), router)}}
	}

	tlsManager := f.TLSManager()

	// ACME needs :80 for challenges and serves the API on :443.
	if cfg.IsProduction() && cfg.Server.AutoCert {
		acme := tlsManager.GetAutocertManager()
		if acme == nil {
			util.Fatal("AutoCert manager is not available in production")
		}
		https := newServer(":443", router)
		https.TLSConfig = tlsManager.GetTLSConfig()
		return []listener{
			{srv: newServer(":80", acme.HTTPHandler(nil))},
			{srv: https, tls: true},
		}
	}

	https := newServer(fmt.Sprintf(":%d", cfg.Server.TLSPort), router)
	https.TLSConfig = tlsManager.GetTLSConfig()
	return []listener{{srv: https, tls: true}}
}
