package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/kuzushiji/backbone"
	"github.com/nvr-ai/kuzushiji/classifier"
	"github.com/nvr-ai/kuzushiji/head"
	"github.com/nvr-ai/kuzushiji/weights"
)

var initOut string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Describe the head weights and the backbones they fit",
	RunE: func(cmd *cobra.Command, args []string) error {
		tensors, err := weights.Load(cfg.WeightsDir)
		if err != nil {
			return err
		}
		params, err := head.FromMap(tensors)
		if err != nil {
			return err
		}
		logger.Debug("weights loaded", zap.String("dir", cfg.WeightsDir), zap.Int("tensors", len(tensors)))
		return describe(cmd.OutOrStdout(), cfg.WeightsDir, params, cfg.Model)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(initOut); err != nil {
			return err
		}
		logger.Info("configuration written", zap.String("path", initOut))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOut, "out", "o", "kuzushiji.yaml", "output path")
}

// describe prints the head dimensions and the backbone variants whose pooled
// features match its input width.
func describe(w io.Writer, dir string, p *head.Params, model classifier.Config) error {
	model = model.WithDefaults()

	fmt.Fprintf(w, "weights:     %s\n", dir)
	for _, key := range head.Keys {
		fmt.Fprintf(w, "  %-18s %v\n", key, p.Map()[key].Shape())
	}
	fmt.Fprintf(w, "in_features: %d\n", p.InFeatures())
	fmt.Fprintf(w, "hidden:      %d\n", p.Hidden())
	fmt.Fprintf(w, "n_classes:   %d\n", p.NumClasses())

	var fits []string
	for _, name := range backbone.VariantNames() {
		v, err := backbone.LookupVariant(name)
		if err != nil {
			return err
		}
		if classifier.InFeatures(v.ChannelsL1, v.ChannelsL2, model.PoolL1, model.PoolL2) == p.InFeatures() {
			fits = append(fits, name)
		}
	}
	fmt.Fprintf(w, "backbones:   %v (pool %dx%d, %dx%d)\n", fits, model.PoolL1, model.PoolL1, model.PoolL2, model.PoolL2)
	return nil
}
