package main

import (
	"slices"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/vehiclerelay/internal/runtime"
	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

func newConsumerCmd(opts *rootOptions) *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Run the fan-out pipelines on the sink broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if len(only) > 0 {
				cfg.Pipelines = selectPipelines(cfg.Pipelines, only)
			}
			ctx := commandContext(cmd)

			consumer, err := runtimepkg.NewConsumer(ctx, cfg, logger, runtimepkg.ConsumerDependencies{
				ServiceDependencies: runtimepkg.ServiceDependencies{Hooks: runtimepkg.LoggingHooks(logger)},
			})
			if err != nil {
				return err
			}
			names := make([]string, 0, len(consumer.Pipelines))
			for _, p := range consumer.Pipelines {
				names = append(names, p.Name())
			}
			logger.Info("Consumer started", loggingpkg.LogFields{"pipelines": names})
			return consumer.Start(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&only, "pipeline", nil, "run only the named pipelines (repeatable)")
	return cmd
}

// selectPipelines keeps the configured pipelines named in only, in config order.
func selectPipelines(all []configpkg.PipelineConfig, only []string) []configpkg.PipelineConfig {
	var out []configpkg.PipelineConfig
	for _, p := range all {
		if slices.Contains(only, p.Name) {
			out = append(out, p)
		}
	}
	return out
}
