package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/platform/billing"
)

func billingStubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing-stub",
		Short: "Serve an in-memory billing service for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg).With().Str("component", "billing-stub").Logger()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			srv := billing.NewGRPCServer(billing.NewStubServer(), logger)
			ctx, stop := signalContext()
			defer stop()
			go func() {
				<-ctx.Done()
				srv.GracefulStop()
			}()

			logger.Info().Str("addr", lis.Addr().String()).Msg("billing stub listening")
			return srv.Serve(lis)
		},
	}
	cmd.Flags().String("addr", ":9001", "Listen address")
	return cmd
}
