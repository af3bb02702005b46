package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"captiongen/vocab"
)

func testVocab(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v := vocab.New()
	v.Build([]string{
		"a dog runs fast",
		"a cat sits still",
	}, 1)
	require.True(t, v.Built())
	return v
}

func testConfig() Config {
	return Config{FeatDim: 6, EmbedDim: 8, HiddenDim: 10, Seed: 42}
}

func testDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(testConfig(), testVocab(t), nil)
	require.NoError(t, err)
	return d
}

// testBatch builds a 2-sample batch: captions of true lengths 5 and 4 padded
// to width 5.
func testBatch(t *testing.T, d *Decoder) (*tensor.Dense, *tensor.Dense) {
	t.Helper()
	v := d.Vocab()
	row1 := vocab.Wrap(v.Numericalize("a dog runs"))  // 5 ids
	row2 := vocab.Wrap(v.Numericalize("a cat"))       // 4 ids
	require.Len(t, row1, 5)
	require.Len(t, row2, 4)

	grid := make([]int, 2*5)
	copy(grid[:5], row1)
	copy(grid[5:], row2) // trailing slot stays PadID (zero value)
	captions := tensor.New(tensor.WithShape(2, 5), tensor.WithBacking(grid))

	feats := make([]float32, 2*6)
	for i := range feats {
		feats[i] = float32(i%5)*0.1 - 0.2
	}
	return tensor.New(tensor.WithShape(2, 6), tensor.WithBacking(feats)), captions
}

func TestNewDecoderRequiresVocabulary(t *testing.T) {
	_, err := NewDecoder(testConfig(), nil, nil)
	assert.ErrorIs(t, err, vocab.ErrNotInitialized)

	_, err = NewDecoder(testConfig(), vocab.New(), nil)
	assert.ErrorIs(t, err, vocab.ErrNotInitialized)
}

func TestLossFiniteAndPositive(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)

	loss, err := d.Loss(feats, caps)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0, "cross-entropy of an untrained model is positive")

	// Sanity: near uniform predictions the loss sits around log(V).
	assert.InDelta(t, math.Log(float64(d.Vocab().Size())), loss, 1.5)
}

func TestLossDoesNotMutateParameters(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)

	before := d.ExportWeights()
	_, err := d.Loss(feats, caps)
	require.NoError(t, err)
	assert.Equal(t, before, d.ExportWeights())
}

func TestLossIgnoresExtraPadding(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)

	// Same captions padded out two extra columns.
	ids := caps.Data().([]int)
	wide := make([]int, 2*7)
	copy(wide[:5], ids[:5])
	copy(wide[7:12], ids[5:])
	wideCaps := tensor.New(tensor.WithShape(2, 7), tensor.WithBacking(wide))

	narrow, err := d.Loss(feats, caps)
	require.NoError(t, err)
	padded, err := d.Loss(feats, wideCaps)
	require.NoError(t, err)
	assert.InDelta(t, narrow, padded, 1e-5, "pad-only columns must not move the loss")
}

func TestLossAlignmentWithUniformLogits(t *testing.T) {
	// With every parameter zeroed the logits are uniform, so the masked
	// cross-entropy must be exactly log(V) regardless of how many real
	// targets the batch holds. That pins both the normalization and the
	// shifted output/target alignment.
	d := testDecoder(t)
	ws := d.ExportWeights()
	for i := range ws {
		for j := range ws[i].Data {
			ws[i].Data[j] = 0
		}
	}
	uniform, err := NewDecoderFromWeights(d.Config(), d.Vocab(), ws, nil)
	require.NoError(t, err)

	feats, caps := testBatch(t, d)
	loss, err := uniform.Loss(feats, caps)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(float64(d.Vocab().Size())), loss, 1e-4)
}

// chainDecoder rigs the weights so the favored next id is a pure function
// of the token just consumed: start → 4, 4 → 5, 5 → end. The forget gate is
// driven to zero and all recurrent matrices stay zero, so each step's logits
// depend only on that step's input.
func chainDecoder(t *testing.T, d *Decoder) *Decoder {
	t.Helper()
	e := d.Config().EmbedDim
	h := d.Config().HiddenDim
	v := d.Vocab().Size()

	ws := d.ExportWeights()
	for i := range ws {
		for j := range ws[i].Data {
			ws[i].Data[j] = 0
		}
		switch ws[i].Name {
		case "b_i", "b_o":
			for j := range ws[i].Data {
				ws[i].Data[j] = 10
			}
		case "b_f":
			for j := range ws[i].Data {
				ws[i].Data[j] = -10
			}
		case "embed":
			ws[i].Data[vocab.StartID*e+0] = 3
			ws[i].Data[4*e+1] = 3
			ws[i].Data[5*e+2] = 3
		case "w_xc":
			ws[i].Data[0*h+0] = 3
			ws[i].Data[1*h+1] = 3
			ws[i].Data[2*h+2] = 3
		case "w_out":
			ws[i].Data[0*v+4] = 10
			ws[i].Data[1*v+5] = 10
			ws[i].Data[2*v+vocab.EndID] = 10
		}
	}
	rigged, err := NewDecoderFromWeights(d.Config(), d.Vocab(), ws, nil)
	require.NoError(t, err)
	return rigged
}

func TestLossAlignmentShiftSensitive(t *testing.T) {
	d := chainDecoder(t, testDecoder(t))
	feats := tensor.New(tensor.WithShape(1, 6), tensor.WithBacking(make([]float32, 6)))

	// Step t consumes caption column t-1 and is scored against column t.
	// With the chain rig, [start, 4, 5, end] pairs every step's favored id
	// with its target; [start, 5, 4, end] pairs none of them. Any
	// off-by-one pairing of outputs and targets would destroy the first
	// loss and no longer separate the two.
	matched := tensor.New(tensor.WithShape(1, 4),
		tensor.WithBacking([]int{vocab.StartID, 4, 5, vocab.EndID}))
	mismatched := tensor.New(tensor.WithShape(1, 4),
		tensor.WithBacking([]int{vocab.StartID, 5, 4, vocab.EndID}))

	low, err := d.Loss(feats, matched)
	require.NoError(t, err)
	high, err := d.Loss(feats, mismatched)
	require.NoError(t, err)

	assert.Less(t, low, 0.1, "every target matches the favored id")
	assert.Greater(t, high, 2.0, "no target matches the favored id")
	assert.Less(t, low, high)
}

func TestTrainStepReducesLoss(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)
	solver := gorgonia.NewAdamSolver(gorgonia.WithLearnRate(0.01))

	first, err := d.TrainStep(feats, caps, solver)
	require.NoError(t, err)

	var last float64
	for i := 0; i < 30; i++ {
		last, err = d.TrainStep(feats, caps, solver)
		require.NoError(t, err)
		require.False(t, math.IsNaN(last), "step %d produced NaN", i)
	}
	assert.Less(t, last, first, "overfitting one batch must reduce its loss")
}

func TestTrainStepMutatesParameters(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)

	before := d.ExportWeights()
	_, err := d.TrainStep(feats, caps, gorgonia.NewAdamSolver(gorgonia.WithLearnRate(0.01)))
	require.NoError(t, err)
	assert.NotEqual(t, before, d.ExportWeights())
}

func TestTrainStepRejectsBadShapes(t *testing.T) {
	d := testDecoder(t)
	solver := gorgonia.NewAdamSolver()

	feats := tensor.New(tensor.WithShape(2, 6), tensor.WithBacking(make([]float32, 12)))
	shortCaps := tensor.New(tensor.WithShape(2, 1), tensor.WithBacking(make([]int, 2)))
	_, err := d.TrainStep(feats, shortCaps, solver)
	assert.Error(t, err, "width-1 captions have nothing to score")

	badFeats := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	caps := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]int, 6)))
	_, err = d.TrainStep(badFeats, caps, solver)
	assert.Error(t, err)

	lonely := tensor.New(tensor.WithShape(1, 6), tensor.WithBacking(make([]float32, 6)))
	_, err = d.TrainStep(lonely, caps, solver)
	assert.Error(t, err, "batch sizes must agree")
}

func TestWeightsRoundTrip(t *testing.T) {
	d := testDecoder(t)
	feats, caps := testBatch(t, d)

	// Nudge away from the initial state so the copy is non-trivial.
	_, err := d.TrainStep(feats, caps, gorgonia.NewAdamSolver(gorgonia.WithLearnRate(0.01)))
	require.NoError(t, err)
	want, err := d.Loss(feats, caps)
	require.NoError(t, err)

	restored, err := NewDecoderFromWeights(d.Config(), d.Vocab(), d.ExportWeights(), nil)
	require.NoError(t, err)
	got, err := restored.Loss(feats, caps)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-6)
}

func TestExportWeightsIsACopy(t *testing.T) {
	d := testDecoder(t)
	ws := d.ExportWeights()
	require.NotEmpty(t, ws)
	ws[0].Data[0] += 100

	fresh := d.ExportWeights()
	assert.NotEqual(t, ws[0].Data[0], fresh[0].Data[0])
}

func TestWeightValidation(t *testing.T) {
	d := testDecoder(t)

	t.Run("wrong count", func(t *testing.T) {
		_, err := NewDecoderFromWeights(d.Config(), d.Vocab(), d.ExportWeights()[:3], nil)
		assert.Error(t, err)
	})

	t.Run("wrong shape", func(t *testing.T) {
		ws := d.ExportWeights()
		ws[0].Shape = []int{1, 1}
		ws[0].Data = []float32{0}
		_, err := NewDecoderFromWeights(d.Config(), d.Vocab(), ws, nil)
		assert.Error(t, err)
	})

	t.Run("wrong name", func(t *testing.T) {
		ws := d.ExportWeights()
		ws[0].Name = "mystery"
		_, err := NewDecoderFromWeights(d.Config(), d.Vocab(), ws, nil)
		assert.Error(t, err)
	})
}
