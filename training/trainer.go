// Package training drives the teacher-forced optimization loop: epochs over
// a training loader, a validation pass after each one, and best-model
// checkpointing.
package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/gorgonia"

	"captiongen/checkpoint"
	"captiongen/dataset"
	"captiongen/features"
	"captiongen/model"
)

// Options configures one training run. CheckpointPath may be empty, in which
// case improvements are logged but nothing is written.
type Options struct {
	Epochs         int
	LearnRate      float64
	CheckpointPath string
	Pipeline       checkpoint.Pipeline
}

// Trainer owns the solver and the best-so-far validation loss across epochs.
type Trainer struct {
	dec    *model.Decoder
	ext    features.Extractor
	opts   Options
	solver gorgonia.Solver
	log    *zap.Logger
	best   float64
}

func New(dec *model.Decoder, ext features.Extractor, opts Options, log *zap.Logger) *Trainer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		dec:    dec,
		ext:    ext,
		opts:   opts,
		solver: gorgonia.NewAdamSolver(gorgonia.WithLearnRate(opts.LearnRate)),
		log:    log,
		best:   math.Inf(1),
	}
}

// Run trains for the configured number of epochs. Each epoch consumes the
// whole training loader, then the validation loader; the checkpoint is
// rewritten whenever the validation loss strictly improves.
func (t *Trainer) Run(ctx context.Context, train, val *dataset.Loader) error {
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		start := time.Now()

		trainLoss, err := t.trainEpoch(ctx, train)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, err := t.Validate(ctx, val)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		t.log.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("val_loss", valLoss),
			zap.Duration("elapsed", time.Since(start)),
		)

		if shouldCheckpoint(t.best, valLoss) {
			t.best = valLoss
			if err := t.save(epoch, valLoss); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
	}
	return nil
}

// shouldCheckpoint keeps the earliest epoch on ties: only a strict
// improvement replaces the saved model.
func shouldCheckpoint(best, current float64) bool {
	return current < best
}

// trainEpoch runs one full pass over the loader and returns the mean of the
// per-batch losses.
func (t *Trainer) trainEpoch(ctx context.Context, train *dataset.Loader) (float64, error) {
	// Cancel on any exit so an early error return also releases the
	// loader's producer goroutines.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	train.Reset()

	var sum float64
	batches := 0
	for res := range train.Batches(ctx) {
		if res.Err != nil {
			return 0, res.Err
		}
		feats, err := t.ext.EmbedBatch(res.Batch.Images)
		if err != nil {
			return 0, fmt.Errorf("extract features: %w", err)
		}
		loss, err := t.dec.TrainStep(feats, res.Batch.Captions, t.solver)
		if err != nil {
			return 0, err
		}
		sum += loss
		batches++
		if batches%50 == 0 {
			t.log.Debug("training progress",
				zap.Int("batch", batches),
				zap.Float64("loss", loss),
			)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("training loader produced no batches")
	}
	return sum / float64(batches), nil
}

// Validate scores the loader without touching the parameters and returns
// the mean per-batch loss.
func (t *Trainer) Validate(ctx context.Context, val *dataset.Loader) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sum float64
	batches := 0
	for res := range val.Batches(ctx) {
		if res.Err != nil {
			return 0, res.Err
		}
		feats, err := t.ext.EmbedBatch(res.Batch.Images)
		if err != nil {
			return 0, fmt.Errorf("extract features: %w", err)
		}
		loss, err := t.dec.Loss(feats, res.Batch.Captions)
		if err != nil {
			return 0, err
		}
		sum += loss
		batches++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, fmt.Errorf("validation loader produced no batches")
	}
	return sum / float64(batches), nil
}

func (t *Trainer) save(epoch int, valLoss float64) error {
	if t.opts.CheckpointPath == "" {
		t.log.Info("validation improved, no checkpoint path configured",
			zap.Float64("val_loss", valLoss))
		return nil
	}
	f := &checkpoint.File{
		Model:    t.dec.Config(),
		Itos:     t.dec.Vocab().Itos(),
		Weights:  t.dec.ExportWeights(),
		Pipeline: t.opts.Pipeline,
		Training: checkpoint.TrainingState{Epoch: epoch, BestValLoss: valLoss},
	}
	if err := checkpoint.Save(t.opts.CheckpointPath, f); err != nil {
		return err
	}
	t.log.Info("checkpoint saved",
		zap.String("path", t.opts.CheckpointPath),
		zap.Int("epoch", epoch),
		zap.Float64("val_loss", valLoss),
	)
	return nil
}
