package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/vehiclerelay/internal/runtime/config"
	loggingpkg "github.com/drblury/vehiclerelay/internal/runtime/logging"
)

type rootOptions struct {
	configFile string
	logOutput  io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stdout}

	root := &cobra.Command{
		Use:   "vehiclerelay",
		Short: "Durable vehicle event relay",
		Long: `vehiclerelay moves vehicle events from a source broker to a sink broker.

The bridge command stores every event before publishing it and republishes
anything the sink never confirmed. The consumer command runs the fan-out
pipelines that record each relayed event once per pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: ./vehiclerelay.yaml or /etc/vehiclerelay/vehiclerelay.yaml)")

	root.AddCommand(newBridgeCmd(opts), newConsumerCmd(opts))
	return root
}

// load reads the configuration and builds the process logger from it.
func (o *rootOptions) load() (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	cfg, err := configpkg.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := loggingpkg.New(cfg.Logging.Level, cfg.Logging.Format, o.logOutput)
	return cfg, logger, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
