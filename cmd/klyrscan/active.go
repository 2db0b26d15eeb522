package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klyr/klyrscan/internal/oob"
	"github.com/klyr/klyrscan/internal/policy"
	"github.com/klyr/klyrscan/internal/transport"
	"github.com/spf13/cobra"
)

func newActiveCmd() *cobra.Command {
	var opts commonOptions
	var exchange exchangeOptions
	var point string
	var oobWait time.Duration
	var failOn string

	cmd := &cobra.Command{
		Use:   "active",
		Short: "Send payload variants of a request and run active profiles on the responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := policy.ParseGate(failOn)
			if err != nil {
				return err
			}
			svc, request, response, err := exchange.load(false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, &opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t := transport.New(a.cfg.Transport)
			if response == nil {
				response, _, err = t.Send(ctx, svc, request)
				if err != nil {
					return fmt.Errorf("fetch base response: %w", err)
				}
			}

			s := a.scanner(t)

			var registry *oob.Registry
			pollCtx, cancelPoll := context.WithCancel(ctx)
			defer cancelPoll()
			polling := make(chan struct{})
			if a.cfg.OOB.Enabled {
				client := oob.NewInteractshClient(a.cfg.OOB, a.cfg.Transport.Timeout)
				registry = oob.NewRegistry(client, a.cfg.OOB.Expiry, a.logger)
				s.SetOOB(registry, registry)
				go func() {
					defer close(polling)
					registry.Run(pollCtx, a.cfg.OOB.PollInterval, a.emit)
				}()
			} else {
				close(polling)
			}

			findings, scanErr := s.ScanActive(ctx, a.profiles, svc, request, response, point)
			for _, f := range findings {
				a.emit(f)
			}
			a.logger.Info().Int("findings", len(findings)).Str("target", svc.Origin()).Msg("active scan complete")

			if registry != nil && registry.Pending() > 0 && oobWait > 0 {
				a.logger.Info().Int("pending", registry.Pending()).Dur("wait", oobWait).Msg("waiting for out-of-band interactions")
				select {
				case <-time.After(oobWait):
				case <-ctx.Done():
				}
				registry.PollOnce(ctx, a.emit)
			}
			cancelPoll()
			<-polling

			return errors.Join(scanErr, a.gate(gate))
		},
	}

	opts.bind(cmd)
	exchange.bind(cmd)
	cmd.Flags().StringVar(&point, "point", "", "Only scan this insertion point (e.g. query|id, path|1)")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "Exit non-zero when a finding reaches this severity")
	cmd.Flags().DurationVar(&oobWait, "oob-wait", 30*time.Second, "How long to wait for out-of-band interactions after the scan")

	return cmd
}
