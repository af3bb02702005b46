package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"captiongen/model"
	"captiongen/vocab"
)

func trainedDecoder(t *testing.T) *model.Decoder {
	t.Helper()
	v := vocab.New()
	v.Build([]string{"a dog runs", "a cat sits"}, 1)

	d, err := model.NewDecoder(model.Config{
		FeatDim: 6, EmbedDim: 8, HiddenDim: 10, Seed: 7,
	}, v, nil)
	require.NoError(t, err)
	return d
}

func testFile(t *testing.T, d *model.Decoder) *File {
	t.Helper()
	return &File{
		Model:    d.Config(),
		Itos:     d.Vocab().Itos(),
		Weights:  d.ExportWeights(),
		Pipeline: Pipeline{ImageSize: 64, Grid: 4, Seed: 7},
		Training: TrainingState{Epoch: 3, BestValLoss: 2.5},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := trainedDecoder(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	require.NoError(t, Save(path, testFile(t, d)))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, d.Config(), got.Model)
	assert.Equal(t, d.Vocab().Itos(), got.Itos)
	assert.Equal(t, d.ExportWeights(), got.Weights)
	assert.Equal(t, Pipeline{ImageSize: 64, Grid: 4, Seed: 7}, got.Pipeline)
	assert.Equal(t, TrainingState{Epoch: 3, BestValLoss: 2.5}, got.Training)
	assert.False(t, got.SavedAt.IsZero())
}

func TestRestoreRebuildsDecoder(t *testing.T) {
	d := trainedDecoder(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Save(path, testFile(t, d)))

	restored, f, err := Restore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Training.Epoch)
	assert.Equal(t, d.Vocab().Size(), restored.Vocab().Size())

	// The restored decoder computes the same loss as the original.
	feats := tensor.New(tensor.WithShape(1, 6), tensor.WithBacking(make([]float32, 6)))
	caps := tensor.New(tensor.WithShape(1, 4),
		tensor.WithBacking([]int{vocab.StartID, 4, 5, vocab.EndID}))

	want, err := d.Loss(feats, caps)
	require.NoError(t, err)
	got, err := restored.Loss(feats, caps)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-6)
	assert.False(t, math.IsNaN(got))
}

func TestSaveOverwritesAtomically(t *testing.T) {
	d := trainedDecoder(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	first := testFile(t, d)
	first.Training.Epoch = 1
	require.NoError(t, Save(path, first))

	second := testFile(t, d)
	second.Training.Epoch = 2
	require.NoError(t, Save(path, second))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Training.Epoch)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	assert.Error(t, err)
}

func TestLoadRejectsEmptyVocabulary(t *testing.T) {
	d := trainedDecoder(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	f := testFile(t, d)
	f.Itos = nil
	require.NoError(t, Save(path, f))

	_, err := Load(path)
	assert.ErrorIs(t, err, vocab.ErrNotInitialized)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
