package model

import (
	"fmt"

	"go.uber.org/zap"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"captiongen/vocab"
)

// Decoder is the trainable captioning model. One Decoder owns its parameter
// tensors for the lifetime of a run; every call builds a fresh expression
// graph around them because the unrolled length changes batch to batch.
type Decoder struct {
	cfg   Config
	vocab *vocab.Vocabulary
	p     *params
	log   *zap.Logger
}

// NewDecoder allocates and initializes a decoder for the given vocabulary.
// The vocabulary must be built: the embedding and output layers are sized by
// it, so an empty one is a programming error surfaced immediately.
func NewDecoder(cfg Config, v *vocab.Vocabulary, log *zap.Logger) (*Decoder, error) {
	if v == nil || !v.Built() {
		return nil, vocab.ErrNotInitialized
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Decoder{
		cfg:   cfg,
		vocab: v,
		p:     newParams(cfg, v.Size()),
		log:   log,
	}
	d.log.Info("decoder initialized",
		zap.Int("vocab_size", v.Size()),
		zap.Int("embed_dim", cfg.EmbedDim),
		zap.Int("hidden_dim", cfg.HiddenDim),
		zap.Int("feat_dim", cfg.FeatDim),
	)
	return d, nil
}

// NewDecoderFromWeights restores a decoder from an exported snapshot.
func NewDecoderFromWeights(cfg Config, v *vocab.Vocabulary, weights []Weight, log *zap.Logger) (*Decoder, error) {
	d, err := NewDecoder(cfg, v, log)
	if err != nil {
		return nil, err
	}
	if err := d.p.setWeights(weights); err != nil {
		return nil, fmt.Errorf("restore weights: %w", err)
	}
	return d, nil
}

// Config returns the dimensions the decoder was built with.
func (d *Decoder) Config() Config { return d.cfg }

// Vocab returns the vocabulary the decoder indexes into.
func (d *Decoder) Vocab() *vocab.Vocabulary { return d.vocab }

// ExportWeights snapshots every parameter tensor in a stable order. The
// returned slices are copies; mutating them does not touch the live model.
func (d *Decoder) ExportWeights() []Weight {
	ws := d.p.list()
	out := make([]Weight, len(ws))
	for i, w := range ws {
		data := make([]float32, len(w.Data))
		copy(data, w.Data)
		shape := make([]int, len(w.Shape))
		copy(shape, w.Shape)
		out[i] = Weight{Name: w.Name, Shape: shape, Data: data}
	}
	return out
}

// seqGraph is one unrolled teacher-forcing graph plus the handles needed to
// run and differentiate it.
type seqGraph struct {
	g          *gorgonia.ExprGraph
	cost       *gorgonia.Node
	learnables gorgonia.Nodes
	costVal    gorgonia.Value
}

// TrainStep runs one teacher-forced forward/backward pass over a batch and
// applies the solver to the decoder's parameters. It returns the batch loss:
// summed token cross-entropy divided by the number of non-pad targets.
//
// feats is B×FeatDim, captions is B×L of token ids padded on the right.
func (d *Decoder) TrainStep(feats *tensor.Dense, captions *tensor.Dense, solver gorgonia.Solver) (float64, error) {
	sg, err := d.buildSequenceGraph(feats, captions)
	if err != nil {
		return 0, err
	}
	if _, err := gorgonia.Grad(sg.cost, sg.learnables...); err != nil {
		return 0, fmt.Errorf("differentiate loss: %w", err)
	}
	vm := gorgonia.NewTapeMachine(sg.g, gorgonia.BindDualValues(sg.learnables...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, fmt.Errorf("run training graph: %w", err)
	}
	if err := solver.Step(gorgonia.NodesToValueGrads(sg.learnables)); err != nil {
		return 0, fmt.Errorf("apply gradients: %w", err)
	}
	return scalarValue(sg.costVal)
}

// Loss runs the same teacher-forced forward pass as TrainStep but computes
// no gradients and leaves the parameters untouched.
func (d *Decoder) Loss(feats *tensor.Dense, captions *tensor.Dense) (float64, error) {
	sg, err := d.buildSequenceGraph(feats, captions)
	if err != nil {
		return 0, err
	}
	vm := gorgonia.NewTapeMachine(sg.g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, fmt.Errorf("run validation graph: %w", err)
	}
	return scalarValue(sg.costVal)
}

// buildSequenceGraph unrolls the decoder over one batch. For captions of
// padded width L the recurrence runs L steps: the projected image feature
// first, then the embeddings of tokens 0..L-2. The logits of step 0 are
// discarded; steps 1..L-1 are scored against captions[:,1:], with pad
// targets contributing nothing to the loss.
func (d *Decoder) buildSequenceGraph(feats *tensor.Dense, captions *tensor.Dense) (*seqGraph, error) {
	fs, cs := feats.Shape(), captions.Shape()
	if len(fs) != 2 || len(cs) != 2 || fs[0] != cs[0] {
		return nil, fmt.Errorf("mismatched batch shapes: features %v, captions %v", fs, cs)
	}
	if fs[1] != d.cfg.FeatDim {
		return nil, fmt.Errorf("expected %d-dim features, got %d", d.cfg.FeatDim, fs[1])
	}
	batch, width := cs[0], cs[1]
	if width < 2 {
		return nil, fmt.Errorf("caption width %d too short to score", width)
	}
	ids, ok := captions.Data().([]int)
	if !ok {
		return nil, fmt.Errorf("captions must be int-backed, got %T", captions.Data())
	}
	vsize := d.vocab.Size()

	g := gorgonia.NewGraph()
	gp, learnables := d.p.bind(g)

	featNode := gorgonia.NodeFromAny(g, feats, gorgonia.WithName("features"))
	x0, err := affine(featNode, gp.wProj, gp.bProj)
	if err != nil {
		return nil, fmt.Errorf("project features: %w", err)
	}

	h := zeroState(g, batch, d.cfg.HiddenDim, "h0")
	c := zeroState(g, batch, d.cfg.HiddenDim, "c0")
	if h, c, err = lstmStep(gp, x0, h, c); err != nil {
		return nil, fmt.Errorf("step 0: %w", err)
	}

	var total *gorgonia.Node
	targets := 0
	for t := 1; t < width; t++ {
		inputs := gorgonia.NodeFromAny(g,
			oneHotInputs(ids, batch, width, vsize, t-1),
			gorgonia.WithName(fmt.Sprintf("in_%d", t)))
		xt, err := gorgonia.Mul(inputs, gp.emb)
		if err != nil {
			return nil, fmt.Errorf("embed step %d: %w", t, err)
		}
		if h, c, err = lstmStep(gp, xt, h, c); err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}

		logits, err := affine(h, gp.wOut, gp.bOut)
		if err != nil {
			return nil, fmt.Errorf("output step %d: %w", t, err)
		}
		logProbs, err := logSoftMax(logits)
		if err != nil {
			return nil, fmt.Errorf("log-softmax step %d: %w", t, err)
		}

		tgt, n := oneHotTargets(ids, batch, width, vsize, t)
		targets += n
		tgtNode := gorgonia.NodeFromAny(g, tgt, gorgonia.WithName(fmt.Sprintf("tgt_%d", t)))
		picked, err := gorgonia.HadamardProd(logProbs, tgtNode)
		if err != nil {
			return nil, fmt.Errorf("mask step %d: %w", t, err)
		}
		ce, err := gorgonia.Sum(picked)
		if err != nil {
			return nil, fmt.Errorf("reduce step %d: %w", t, err)
		}
		if total == nil {
			total = ce
		} else if total, err = gorgonia.Add(total, ce); err != nil {
			return nil, fmt.Errorf("accumulate step %d: %w", t, err)
		}
	}
	if targets == 0 {
		return nil, fmt.Errorf("batch contains no scorable targets")
	}

	// total holds Σ log p(target); negate and average over real targets.
	inv := gorgonia.NewScalar(g, gorgonia.Float32,
		gorgonia.WithName("inv_targets"),
		gorgonia.WithValue(float32(-1)/float32(targets)))
	cost, err := gorgonia.Mul(total, inv)
	if err != nil {
		return nil, fmt.Errorf("normalize loss: %w", err)
	}

	sg := &seqGraph{g: g, cost: cost, learnables: learnables}
	gorgonia.Read(cost, &sg.costVal)
	return sg, nil
}

// lstmStep applies one LSTM transition. x is B×EmbedDim, h and c are
// B×HiddenDim.
func lstmStep(gp *graphParams, x, hPrev, cPrev *gorgonia.Node) (h, c *gorgonia.Node, err error) {
	gate := func(wx, wh, b *gorgonia.Node) (*gorgonia.Node, error) {
		xw, err := gorgonia.Mul(x, wx)
		if err != nil {
			return nil, err
		}
		hw, err := gorgonia.Mul(hPrev, wh)
		if err != nil {
			return nil, err
		}
		sum, err := gorgonia.Add(xw, hw)
		if err != nil {
			return nil, err
		}
		return gorgonia.BroadcastAdd(sum, b, nil, []byte{0})
	}

	pre := [4]*gorgonia.Node{}
	gates := [][3]*gorgonia.Node{
		{gp.wxi, gp.whi, gp.bi},
		{gp.wxf, gp.whf, gp.bf},
		{gp.wxo, gp.who, gp.bo},
		{gp.wxc, gp.whc, gp.bc},
	}
	for i, w := range gates {
		if pre[i], err = gate(w[0], w[1], w[2]); err != nil {
			return nil, nil, err
		}
	}

	in, err := gorgonia.Sigmoid(pre[0])
	if err != nil {
		return nil, nil, err
	}
	forget, err := gorgonia.Sigmoid(pre[1])
	if err != nil {
		return nil, nil, err
	}
	out, err := gorgonia.Sigmoid(pre[2])
	if err != nil {
		return nil, nil, err
	}
	cand, err := gorgonia.Tanh(pre[3])
	if err != nil {
		return nil, nil, err
	}

	keep, err := gorgonia.HadamardProd(forget, cPrev)
	if err != nil {
		return nil, nil, err
	}
	write, err := gorgonia.HadamardProd(in, cand)
	if err != nil {
		return nil, nil, err
	}
	if c, err = gorgonia.Add(keep, write); err != nil {
		return nil, nil, err
	}
	ct, err := gorgonia.Tanh(c)
	if err != nil {
		return nil, nil, err
	}
	if h, err = gorgonia.HadamardProd(out, ct); err != nil {
		return nil, nil, err
	}
	return h, c, nil
}

// affine computes x·w + b with b broadcast over the batch axis.
func affine(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(xw, b, nil, []byte{0})
}

func logSoftMax(logits *gorgonia.Node) (*gorgonia.Node, error) {
	sm, err := gorgonia.SoftMax(logits, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Log(sm)
}

func zeroState(g *gorgonia.ExprGraph, batch, dim int, name string) *gorgonia.Node {
	t := tensor.New(
		tensor.WithShape(batch, dim),
		tensor.WithBacking(make([]float32, batch*dim)),
	)
	return gorgonia.NodeFromAny(g, t, gorgonia.WithName(name))
}

// oneHotInputs encodes column col of the caption grid as a B×V one-hot
// matrix. Trailing pads one-hot to the pad row; their downstream outputs are
// masked out of the loss, so nothing leaks back through them.
func oneHotInputs(ids []int, batch, width, vsize, col int) *tensor.Dense {
	data := make([]float32, batch*vsize)
	for i := 0; i < batch; i++ {
		data[i*vsize+ids[i*width+col]] = 1
	}
	return tensor.New(tensor.WithShape(batch, vsize), tensor.WithBacking(data))
}

// oneHotTargets encodes column col as one-hot target rows, leaving pad rows
// all-zero so they drop out of the cross-entropy sum. It also reports how
// many real targets the column holds.
func oneHotTargets(ids []int, batch, width, vsize, col int) (*tensor.Dense, int) {
	data := make([]float32, batch*vsize)
	n := 0
	for i := 0; i < batch; i++ {
		id := ids[i*width+col]
		if id == vocab.PadID {
			continue
		}
		data[i*vsize+id] = 1
		n++
	}
	return tensor.New(tensor.WithShape(batch, vsize), tensor.WithBacking(data)), n
}

func scalarValue(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("loss value never materialized")
	}
	switch data := v.Data().(type) {
	case float32:
		return float64(data), nil
	case []float32:
		if len(data) == 1 {
			return float64(data[0]), nil
		}
	}
	return 0, fmt.Errorf("unexpected loss value %T", v.Data())
}
