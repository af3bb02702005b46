// Package captiongen trains and runs a greedy image-caption generator: a
// frozen visual feature extractor feeding an autoregressive LSTM decoder.
package captiongen

import "fmt"

// Config collects every knob the pipeline recognizes. It is passed explicitly
// into constructors; nothing in the module reads ambient global state.
type Config struct {
	// Model dimensions.
	EmbedDim  int // token / image embedding width
	HiddenDim int // LSTM hidden state width

	// Optimization.
	LearnRate float64
	BatchSize int
	Epochs    int

	// Vocabulary and data split.
	MinWordFreq int     // corpus frequency threshold for vocabulary membership
	ValRatio    float64 // fraction of image ids held out for validation

	// Decoding.
	MaxDecodeLen int // greedy decode step cap, excluding the start token

	// Data loading.
	Workers   int // parallel preprocessing workers; 0 disables prefetch
	ImageSize int // square side the preprocessor resizes to
	FeatDim   int // feature vector width produced by the extractor

	// Seed drives parameter init, the train/val split and batch shuffling.
	Seed int64
}

// Default returns the configuration used when no flags override it.
func Default() Config {
	return Config{
		EmbedDim:     256,
		HiddenDim:    256,
		LearnRate:    3e-4,
		BatchSize:    32,
		Epochs:       10,
		MinWordFreq:  5,
		ValRatio:     0.1,
		MaxDecodeLen: 30,
		Workers:      4,
		ImageSize:    224,
		FeatDim:      512,
		Seed:         42,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.EmbedDim <= 0:
		return fmt.Errorf("embed dim must be positive, got %d", c.EmbedDim)
	case c.HiddenDim <= 0:
		return fmt.Errorf("hidden dim must be positive, got %d", c.HiddenDim)
	case c.LearnRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearnRate)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return fmt.Errorf("epoch count must be positive, got %d", c.Epochs)
	case c.MinWordFreq < 1:
		return fmt.Errorf("min word frequency must be at least 1, got %d", c.MinWordFreq)
	case c.ValRatio < 0 || c.ValRatio >= 1:
		return fmt.Errorf("validation ratio must be in [0, 1), got %g", c.ValRatio)
	case c.MaxDecodeLen < 0:
		return fmt.Errorf("max decode length must not be negative, got %d", c.MaxDecodeLen)
	case c.Workers < 0:
		return fmt.Errorf("worker count must not be negative, got %d", c.Workers)
	case c.ImageSize <= 0:
		return fmt.Errorf("image size must be positive, got %d", c.ImageSize)
	case c.FeatDim <= 0:
		return fmt.Errorf("feature dim must be positive, got %d", c.FeatDim)
	}
	return nil
}
