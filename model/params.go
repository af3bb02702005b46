// Package model implements the autoregressive caption decoder: an embedding
// table, an LSTM state transition and an output projection, trained with
// teacher forcing and driven step-by-step at inference time.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config fixes the decoder's dimensions. FeatDim is the width of the vectors
// the feature extractor produces; Seed drives parameter initialization.
type Config struct {
	FeatDim   int
	EmbedDim  int
	HiddenDim int
	Seed      int64
}

// params owns every trainable tensor. The tensors persist across the
// per-batch graphs built around them; the optimizer mutates them in place.
// Biases are kept as 1×N matrices so they broadcast over the batch axis.
type params struct {
	WProj *tensor.Dense // FeatDim × EmbedDim, image feature projection
	BProj *tensor.Dense // 1 × EmbedDim

	Emb *tensor.Dense // vocab × EmbedDim

	// LSTM gates: input, forget, output, candidate.
	Wxi, Whi, Bi *tensor.Dense
	Wxf, Whf, Bf *tensor.Dense
	Wxo, Who, Bo *tensor.Dense
	Wxc, Whc, Bc *tensor.Dense

	WOut *tensor.Dense // HiddenDim × vocab
	BOut *tensor.Dense // 1 × vocab
}

// Weight is one named parameter tensor in exportable form.
type Weight struct {
	Name  string
	Shape []int
	Data  []float32
}

func newParams(cfg Config, vocabSize int) *params {
	rng := rand.New(rand.NewSource(cfg.Seed))
	f, e, h, v := cfg.FeatDim, cfg.EmbedDim, cfg.HiddenDim, vocabSize

	gate := func(fanIn int) (*tensor.Dense, *tensor.Dense, *tensor.Dense) {
		return randTensor(rng, e, h, fanIn), randTensor(rng, h, h, h), zeroTensor(1, h)
	}

	p := &params{
		WProj: randTensor(rng, f, e, f),
		BProj: zeroTensor(1, e),
		Emb:   randTensor(rng, v, e, e),
		WOut:  randTensor(rng, h, v, h),
		BOut:  zeroTensor(1, v),
	}
	p.Wxi, p.Whi, p.Bi = gate(e)
	p.Wxf, p.Whf, p.Bf = gate(e)
	p.Wxo, p.Who, p.Bo = gate(e)
	p.Wxc, p.Whc, p.Bc = gate(e)

	// Forget gate bias starts at 1 so early training does not wipe the
	// carried cell state.
	for i, data := 0, p.Bf.Data().([]float32); i < len(data); i++ {
		data[i] = 1
	}
	return p
}

// randTensor draws a rows×cols matrix from U(-s, s) with s = 1/sqrt(fanIn),
// the same scaling the rest of the corpus initializes with.
func randTensor(rng *rand.Rand, rows, cols, fanIn int) *tensor.Dense {
	scale := float32(1 / math.Sqrt(float64(fanIn)))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
}

func zeroTensor(rows, cols int) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(rows, cols),
		tensor.WithBacking(make([]float32, rows*cols)),
	)
}

// list returns the parameters in a stable order. The Adam solver keys its
// moment estimates by position, so this order must never change between
// calls within one training run.
func (p *params) list() []Weight {
	return []Weight{
		tensorWeight("w_proj", p.WProj),
		tensorWeight("b_proj", p.BProj),
		tensorWeight("embed", p.Emb),
		tensorWeight("w_xi", p.Wxi), tensorWeight("w_hi", p.Whi), tensorWeight("b_i", p.Bi),
		tensorWeight("w_xf", p.Wxf), tensorWeight("w_hf", p.Whf), tensorWeight("b_f", p.Bf),
		tensorWeight("w_xo", p.Wxo), tensorWeight("w_ho", p.Who), tensorWeight("b_o", p.Bo),
		tensorWeight("w_xc", p.Wxc), tensorWeight("w_hc", p.Whc), tensorWeight("b_c", p.Bc),
		tensorWeight("w_out", p.WOut),
		tensorWeight("b_out", p.BOut),
	}
}

func tensorWeight(name string, t *tensor.Dense) Weight {
	return Weight{Name: name, Shape: t.Shape(), Data: t.Data().([]float32)}
}

// tensors returns the raw parameter tensors in list() order.
func (p *params) tensors() []*tensor.Dense {
	return []*tensor.Dense{
		p.WProj, p.BProj, p.Emb,
		p.Wxi, p.Whi, p.Bi,
		p.Wxf, p.Whf, p.Bf,
		p.Wxo, p.Who, p.Bo,
		p.Wxc, p.Whc, p.Bc,
		p.WOut, p.BOut,
	}
}

// setWeights overwrites the parameter tensors from an exported snapshot,
// validating names and shapes against list() order.
func (p *params) setWeights(weights []Weight) error {
	expect := p.list()
	if len(weights) != len(expect) {
		return fmt.Errorf("expected %d weight tensors, got %d", len(expect), len(weights))
	}
	targets := p.tensors()
	for i, w := range weights {
		if w.Name != expect[i].Name {
			return fmt.Errorf("weight %d: expected %q, got %q", i, expect[i].Name, w.Name)
		}
		dst := targets[i]
		if !dst.Shape().Eq(tensor.Shape(w.Shape)) {
			return fmt.Errorf("weight %q: expected shape %v, got %v", w.Name, dst.Shape(), w.Shape)
		}
		copy(dst.Data().([]float32), w.Data)
	}
	return nil
}

// graphParams wraps the persistent tensors as nodes of one expression graph.
type graphParams struct {
	wProj, bProj *gorgonia.Node
	emb          *gorgonia.Node

	wxi, whi, bi *gorgonia.Node
	wxf, whf, bf *gorgonia.Node
	wxo, who, bo *gorgonia.Node
	wxc, whc, bc *gorgonia.Node

	wOut, bOut *gorgonia.Node
}

// bind lifts every parameter tensor into g. The returned learnables follow
// list() order.
func (p *params) bind(g *gorgonia.ExprGraph) (*graphParams, gorgonia.Nodes) {
	node := func(name string, t *tensor.Dense) *gorgonia.Node {
		return gorgonia.NodeFromAny(g, t, gorgonia.WithName(name))
	}
	gp := &graphParams{
		wProj: node("w_proj", p.WProj),
		bProj: node("b_proj", p.BProj),
		emb:   node("embed", p.Emb),
		wxi:   node("w_xi", p.Wxi), whi: node("w_hi", p.Whi), bi: node("b_i", p.Bi),
		wxf:   node("w_xf", p.Wxf), whf: node("w_hf", p.Whf), bf: node("b_f", p.Bf),
		wxo:   node("w_xo", p.Wxo), who: node("w_ho", p.Who), bo: node("b_o", p.Bo),
		wxc:   node("w_xc", p.Wxc), whc: node("w_hc", p.Whc), bc: node("b_c", p.Bc),
		wOut:  node("w_out", p.WOut), bOut: node("b_out", p.BOut),
	}
	learnables := gorgonia.Nodes{
		gp.wProj, gp.bProj, gp.emb,
		gp.wxi, gp.whi, gp.bi,
		gp.wxf, gp.whf, gp.bf,
		gp.wxo, gp.who, gp.bo,
		gp.wxc, gp.whc, gp.bc,
		gp.wOut, gp.bOut,
	}
	return gp, learnables
}
