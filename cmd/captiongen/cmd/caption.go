package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"captiongen"
	"captiongen/checkpoint"
	"captiongen/features"
	"captiongen/model"
)

var captionCmd = &cobra.Command{
	Use:   "caption",
	Short: "Generate a caption for an image using a trained checkpoint",
	RunE:  runCaption,
}

func init() {
	rootCmd.AddCommand(captionCmd)

	fs := captionCmd.Flags()
	fs.String("checkpoint", "model.ckpt", "trained model checkpoint")
	fs.String("image", "", "image file to caption")
	fs.Int("max-length", captiongen.Default().MaxDecodeLen, "maximum generated tokens")
	mustBindPFlag("checkpoint", fs.Lookup("checkpoint"))
	mustBindPFlag("image", fs.Lookup("image"))
	mustBindPFlag("max_length", fs.Lookup("max-length"))
	if err := captionCmd.MarkFlagRequired("image"); err != nil {
		panic(err)
	}
}

func runCaption(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dec, ckpt, err := checkpoint.Restore(viper.GetString("checkpoint"), logger)
	if err != nil {
		return err
	}
	logger.Debug("checkpoint loaded",
		zap.Int("epoch", ckpt.Training.Epoch),
		zap.Float64("best_val_loss", ckpt.Training.BestValLoss),
		zap.Time("saved_at", ckpt.SavedAt),
	)

	imgCfg := features.DefaultImageConfig()
	imgCfg.Size = ckpt.Pipeline.ImageSize
	proc := features.NewImageProcessor(imgCfg)
	ext, err := features.NewPooledProjection(dec.Config().FeatDim, ckpt.Pipeline.Grid, ckpt.Pipeline.Seed)
	if err != nil {
		return err
	}

	gen, err := model.NewGenerator(dec, ext, proc, viper.GetInt("max_length"))
	if err != nil {
		return err
	}
	caption, err := gen.Caption(viper.GetString("image"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), caption)
	return nil
}
