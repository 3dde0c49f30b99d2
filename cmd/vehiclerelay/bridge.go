package main

import (
	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/vehiclerelay/internal/runtime"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Relay events from the source broker to the sink broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			bridge, err := runtimepkg.NewBridge(ctx, cfg, logger, runtimepkg.BridgeDependencies{
				ServiceDependencies: runtimepkg.ServiceDependencies{Hooks: runtimepkg.LoggingHooks(logger)},
			})
			if err != nil {
				return err
			}
			logger.Info("Bridge started", loggingpkg.LogFields{
				"source": cfg.Source.System + ":" + cfg.Source.Destination,
				"sink":   cfg.Sink.System + ":" + cfg.Sink.Destination,
				"store":  cfg.Store.Driver,
			})
			return bridge.Start(ctx)
		},
	}
}
