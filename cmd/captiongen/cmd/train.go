package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"captiongen"
	"captiongen/checkpoint"
	"captiongen/dataset"
	"captiongen/features"
	"captiongen/model"
	"captiongen/training"
	"captiongen/vocab"
)

// featureGrid is the pooling grid of the feature extractor. Changing it
// invalidates existing checkpoints, so it is fixed rather than flagged.
const featureGrid = 7

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a caption model from a caption file and an image directory",
	RunE:  runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	def := captiongen.Default()
	fs := trainCmd.Flags()
	fs.String("captions", "", "caption file (image-id<TAB>caption per line)")
	fs.String("images", "", "directory of training images")
	fs.String("out", "model.ckpt", "checkpoint output path")
	fs.Int("epochs", def.Epochs, "training epochs")
	fs.Int("batch-size", def.BatchSize, "batch size")
	fs.Float64("learn-rate", def.LearnRate, "Adam learning rate")
	fs.Int("embed-dim", def.EmbedDim, "word embedding width")
	fs.Int("hidden-dim", def.HiddenDim, "LSTM hidden width")
	fs.Int("feat-dim", def.FeatDim, "image feature width")
	fs.Int("min-word-freq", def.MinWordFreq, "frequency threshold for vocabulary words")
	fs.Float64("val-ratio", def.ValRatio, "fraction of images held out for validation")
	fs.Int("workers", def.Workers, "parallel batch loading workers")
	fs.Int("image-size", def.ImageSize, "square size images are resized to")
	fs.Int64("seed", def.Seed, "random seed for split, init and shuffling")

	for _, name := range []string{
		"captions", "images", "out", "epochs", "batch-size", "learn-rate",
		"embed-dim", "hidden-dim", "feat-dim", "min-word-freq", "val-ratio",
		"workers", "image-size", "seed",
	} {
		mustBindPFlag(strings.ReplaceAll(name, "-", "_"), fs.Lookup(name))
	}
	for _, name := range []string{"captions", "images"} {
		if err := trainCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func configFromViper() captiongen.Config {
	cfg := captiongen.Default()
	cfg.Epochs = viper.GetInt("epochs")
	cfg.BatchSize = viper.GetInt("batch_size")
	cfg.LearnRate = viper.GetFloat64("learn_rate")
	cfg.EmbedDim = viper.GetInt("embed_dim")
	cfg.HiddenDim = viper.GetInt("hidden_dim")
	cfg.FeatDim = viper.GetInt("feat_dim")
	cfg.MinWordFreq = viper.GetInt("min_word_freq")
	cfg.ValRatio = viper.GetFloat64("val_ratio")
	cfg.Workers = viper.GetInt("workers")
	cfg.ImageSize = viper.GetInt("image_size")
	cfg.Seed = viper.GetInt64("seed")
	return cfg
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := configFromViper()
	if err := cfg.Validate(); err != nil {
		return err
	}

	captionsPath := viper.GetString("captions")
	fh, err := os.Open(captionsPath)
	if err != nil {
		return fmt.Errorf("open captions: %w", err)
	}
	idx, err := dataset.LoadCaptions(fh)
	fh.Close()
	if err != nil {
		return err
	}
	if len(idx) == 0 {
		return fmt.Errorf("no captioned images found in %s", captionsPath)
	}

	trainIdx, valIdx := dataset.Split(idx, cfg.ValRatio, cfg.Seed)
	logger.Info("split corpus",
		zap.Int("train_images", len(trainIdx)),
		zap.Int("val_images", len(valIdx)),
	)

	// The vocabulary sees only training captions so validation loss is
	// honest about unseen words.
	v := vocab.New()
	v.Build(trainIdx.Captions(), cfg.MinWordFreq)
	logger.Info("built vocabulary",
		zap.Int("size", v.Size()),
		zap.Int("min_word_freq", cfg.MinWordFreq),
	)

	imgCfg := features.DefaultImageConfig()
	imgCfg.Size = cfg.ImageSize
	proc := features.NewImageProcessor(imgCfg)

	imagesDir := viper.GetString("images")
	trainDS, err := dataset.NewDataset(imagesDir, trainIdx, v, proc)
	if err != nil {
		return err
	}
	valDS, err := dataset.NewDataset(imagesDir, valIdx, v, proc)
	if err != nil {
		return err
	}

	trainLoader := dataset.NewLoader(trainDS, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	}, logger)
	valLoader := dataset.NewLoader(valDS, dataset.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
	}, logger)

	ext, err := features.NewPooledProjection(cfg.FeatDim, featureGrid, cfg.Seed)
	if err != nil {
		return err
	}
	dec, err := model.NewDecoder(model.Config{
		FeatDim:   cfg.FeatDim,
		EmbedDim:  cfg.EmbedDim,
		HiddenDim: cfg.HiddenDim,
		Seed:      cfg.Seed,
	}, v, logger)
	if err != nil {
		return err
	}

	trainer := training.New(dec, ext, training.Options{
		Epochs:         cfg.Epochs,
		LearnRate:      cfg.LearnRate,
		CheckpointPath: viper.GetString("out"),
		Pipeline: checkpoint.Pipeline{
			ImageSize: cfg.ImageSize,
			Grid:      featureGrid,
			Seed:      cfg.Seed,
		},
	}, logger)
	return trainer.Run(ctx, trainLoader, valLoader)
}
