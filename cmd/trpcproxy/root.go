package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trpcmesh/l4proxy/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trpcproxy",
		Short: "tRPC Layer-4 proxy",
		Long:  "trpcproxy accepts downstream tRPC connections, routes requests by callee/func to an upstream cluster, and forwards responses back unmodified.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file merged on top of the built-in default")
	root.AddCommand(newStartCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}
	if cfgFile == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config file %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// newLogger builds a zap logger with a color console encoder in debug mode
// and a production JSON encoder otherwise: human-friendly for dev, structured
// for prod.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}
