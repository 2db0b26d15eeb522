package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klyr/klyrscan/internal/proxy"
	"github.com/spf13/cobra"
)

func newProxyCmd() *cobra.Command {
	var opts commonOptions
	var listen string
	var upstream string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a reverse proxy that scans forwarded traffic with passive profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, &opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			proxyCfg := a.cfg.Proxy
			if listen != "" {
				proxyCfg.Listen = listen
			}
			if upstream != "" {
				proxyCfg.Upstream = upstream
			}
			if proxyCfg.Listen == "" || proxyCfg.Upstream == "" {
				return errors.New("proxy listen and upstream are required")
			}

			p, err := proxy.New(proxyCfg, a.cfg.Transport.Timeout, a.scanner(nil), a.profiles)
			if err != nil {
				return err
			}
			p.SetLogger(a.logger)
			p.SetFindingLogger(a.findings)

			return serve(cmd.Context(), a, &http.Server{
				Addr:              proxyCfg.Listen,
				Handler:           p,
				ReadHeaderTimeout: 5 * time.Second,
			}, proxyCfg.Upstream)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&listen, "listen", "", "Override proxy listen address")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Override proxy upstream URL")

	return cmd
}

func serve(ctx context.Context, a *app, srv *http.Server, upstream string) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	a.logger.Info().Str("listen", srv.Addr).Str("upstream", upstream).Msg("proxy listening")

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-signalCtx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
