package main

import (
	"github.com/spf13/cobra"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the outbox relay",
		Long: "Run only the outbox relay. Any number of relay processes may share one " +
			"database; claims keep them from delivering the same entry twice at once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			defer setupTracing(ctx, cfg, "patientflow-relay", logger)()

			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			down, err := openDownstreams(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer down.Close()

			outbox.NewRelay(st.outbox, down.billing, down.events, relayConfig(cfg.Relay), logger).Start(ctx)
			return nil
		},
	}
}
