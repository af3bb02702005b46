package captiongen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero embed dim", func(c *Config) { c.EmbedDim = 0 }},
		{"negative hidden dim", func(c *Config) { c.HiddenDim = -1 }},
		{"zero learn rate", func(c *Config) { c.LearnRate = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero min word freq", func(c *Config) { c.MinWordFreq = 0 }},
		{"val ratio of one", func(c *Config) { c.ValRatio = 1 }},
		{"negative val ratio", func(c *Config) { c.ValRatio = -0.1 }},
		{"negative decode length", func(c *Config) { c.MaxDecodeLen = -1 }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"zero image size", func(c *Config) { c.ImageSize = 0 }},
		{"zero feature dim", func(c *Config) { c.FeatDim = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsEdgeValues(t *testing.T) {
	cfg := Default()
	cfg.ValRatio = 0
	cfg.MaxDecodeLen = 0
	cfg.Workers = 0
	assert.NoError(t, cfg.Validate())
}
