package main

import (
	"errors"

	"github.com/klyr/klyrscan/internal/policy"
	"github.com/spf13/cobra"
)

func newPassiveCmd() *cobra.Command {
	var opts commonOptions
	var exchange exchangeOptions
	var responseTime int64
	var failOn string

	cmd := &cobra.Command{
		Use:   "passive",
		Short: "Run passive profiles against a captured request and response",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := policy.ParseGate(failOn)
			if err != nil {
				return err
			}
			svc, request, response, err := exchange.load(true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, &opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			findings, err := a.scanner(nil).ScanPassive(cmd.Context(), a.profiles, svc, request, response, responseTime)
			for _, f := range findings {
				a.emit(f)
			}
			a.logger.Info().Int("findings", len(findings)).Str("target", svc.Origin()).Msg("passive scan complete")
			return errors.Join(err, a.gate(gate))
		},
	}

	opts.bind(cmd)
	exchange.bind(cmd)
	cmd.Flags().StringVar(&failOn, "fail-on", "", "Exit non-zero when a finding reaches this severity")
	cmd.Flags().Int64Var(&responseTime, "response-time", 0, "Response time of the capture in milliseconds")

	return cmd
}
