// Package checkpoint persists a trained decoder, its vocabulary and enough
// pipeline metadata to reproduce inference, in a single gob-encoded file.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"captiongen/model"
	"captiongen/vocab"
)

// Pipeline records how images were turned into feature vectors during
// training. Inference must rebuild the identical extractor or the decoder's
// inputs are garbage.
type Pipeline struct {
	ImageSize int
	Grid      int
	Seed      int64
}

// TrainingState is where the run left off, kept so a reloaded checkpoint can
// report or resume its progress.
type TrainingState struct {
	Epoch       int
	BestValLoss float64
}

// File is the on-disk layout. Itos carries the vocabulary: a decoder without
// its vocabulary cannot map ids back to words, so the two are never saved
// apart.
type File struct {
	SavedAt time.Time

	Model    model.Config
	Itos     []string
	Weights  []model.Weight
	Pipeline Pipeline
	Training TrainingState
}

// Save writes the file atomically: a temp file in the same directory,
// renamed over the target only after the encoder finished.
func Save(path string, f *File) error {
	f.SavedAt = time.Now().UTC()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads a checkpoint file without reconstructing the model.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer fh.Close()

	var f File
	if err := gob.NewDecoder(fh).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if len(f.Itos) == 0 {
		return nil, fmt.Errorf("checkpoint %s: %w", path, vocab.ErrNotInitialized)
	}
	return &f, nil
}

// Restore loads a checkpoint and rebuilds the decoder and vocabulary from
// it.
func Restore(path string, log *zap.Logger) (*model.Decoder, *File, error) {
	f, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	v := vocab.NewFromItos(f.Itos)
	dec, err := model.NewDecoderFromWeights(f.Model, v, f.Weights, log)
	if err != nil {
		return nil, nil, fmt.Errorf("rebuild decoder: %w", err)
	}
	return dec, f, nil
}
