package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"captiongen/features"
	"captiongen/vocab"
)

// decodePhase tracks where the greedy decoder is in its priming protocol.
// awaitFirstStep means the image has not been fed yet: the next call must
// push the projected image embedding and then the start token through the
// recurrence before any word can be read. streaming means the state already
// reflects the tokens emitted so far and each call advances exactly one
// step.
type decodePhase int

const (
	awaitFirstStep decodePhase = iota
	streaming
)

// decodeState is the constant-size carry between steps: the phase plus the
// 1×HiddenDim hidden and cell vectors. Memory use does not grow with the
// number of tokens produced.
type decodeState struct {
	phase decodePhase
	h, c  []float32
}

// stepVM wraps a single-transition graph that is re-run for every generated
// token. The parameter tensors are shared with the decoder; only the x/h/c
// placeholders change between runs.
type stepVM struct {
	vm      gorgonia.VM
	x, h, c *gorgonia.Node

	logitsVal, hVal, cVal gorgonia.Value
}

func (d *Decoder) newStepVM() (*stepVM, error) {
	g := gorgonia.NewGraph()
	gp, _ := d.p.bind(g)

	sv := &stepVM{
		x: gorgonia.NewMatrix(g, gorgonia.Float32,
			gorgonia.WithShape(1, d.cfg.EmbedDim), gorgonia.WithName("x")),
		h: gorgonia.NewMatrix(g, gorgonia.Float32,
			gorgonia.WithShape(1, d.cfg.HiddenDim), gorgonia.WithName("h_prev")),
		c: gorgonia.NewMatrix(g, gorgonia.Float32,
			gorgonia.WithShape(1, d.cfg.HiddenDim), gorgonia.WithName("c_prev")),
	}
	h, c, err := lstmStep(gp, sv.x, sv.h, sv.c)
	if err != nil {
		return nil, fmt.Errorf("build step graph: %w", err)
	}
	logits, err := affine(h, gp.wOut, gp.bOut)
	if err != nil {
		return nil, fmt.Errorf("build step output: %w", err)
	}
	gorgonia.Read(logits, &sv.logitsVal)
	gorgonia.Read(h, &sv.hVal)
	gorgonia.Read(c, &sv.cVal)
	sv.vm = gorgonia.NewTapeMachine(g)
	return sv, nil
}

func (sv *stepVM) Close() error { return sv.vm.Close() }

// run pushes one input through the recurrence, updates st in place and
// returns the output logits.
func (sv *stepVM) run(x *tensor.Dense, st *decodeState) ([]float32, error) {
	dim := len(st.h)
	if err := gorgonia.Let(sv.x, x); err != nil {
		return nil, err
	}
	if err := gorgonia.Let(sv.h, rowTensor(st.h)); err != nil {
		return nil, err
	}
	if err := gorgonia.Let(sv.c, rowTensor(st.c)); err != nil {
		return nil, err
	}
	sv.vm.Reset()
	if err := sv.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("run step graph: %w", err)
	}

	copy(st.h, sv.hVal.Data().([]float32)[:dim])
	copy(st.c, sv.cVal.Data().([]float32)[:dim])

	out := sv.logitsVal.Data().([]float32)
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

func rowTensor(data []float32) *tensor.Dense {
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(1, len(data)), tensor.WithBacking(backing))
}

// projectFeature maps one 1×FeatDim feature vector into the embedding space
// with the decoder's trained projection.
func (d *Decoder) projectFeature(feat *tensor.Dense) (*tensor.Dense, error) {
	if !feat.Shape().Eq(tensor.Shape{1, d.cfg.FeatDim}) {
		return nil, fmt.Errorf("expected 1×%d feature, got %v", d.cfg.FeatDim, feat.Shape())
	}
	g := gorgonia.NewGraph()
	gp, _ := d.p.bind(g)
	in := gorgonia.NodeFromAny(g, feat, gorgonia.WithName("feature"))
	out, err := affine(in, gp.wProj, gp.bProj)
	if err != nil {
		return nil, fmt.Errorf("build projection: %w", err)
	}
	var outVal gorgonia.Value
	gorgonia.Read(out, &outVal)
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("run projection: %w", err)
	}
	return rowTensor(outVal.Data().([]float32)[:d.cfg.EmbedDim]), nil
}

// embedRow copies token id's embedding into a 1×EmbedDim tensor.
func (d *Decoder) embedRow(id int) *tensor.Dense {
	e := d.cfg.EmbedDim
	data := d.p.Emb.Data().([]float32)
	return rowTensor(data[id*e : (id+1)*e])
}

// GreedyDecode generates a caption for a single 1×FeatDim feature vector by
// always taking the highest-scoring token, breaking ties toward the lowest
// id. The returned sequence starts with the start token, ends with the end
// token if one was produced, and holds at most maxLen generated tokens.
// maxLen of zero yields just the start token.
func (d *Decoder) GreedyDecode(feat *tensor.Dense, maxLen int) ([]int, error) {
	ids := []int{vocab.StartID}
	if maxLen <= 0 {
		return ids, nil
	}

	x0, err := d.projectFeature(feat)
	if err != nil {
		return nil, err
	}
	sv, err := d.newStepVM()
	if err != nil {
		return nil, err
	}
	defer sv.Close()

	st := &decodeState{
		phase: awaitFirstStep,
		h:     make([]float32, d.cfg.HiddenDim),
		c:     make([]float32, d.cfg.HiddenDim),
	}
	for len(ids)-1 < maxLen {
		var logits []float32
		switch st.phase {
		case awaitFirstStep:
			// Prime the recurrence: image embedding, then start token.
			if _, err := sv.run(x0, st); err != nil {
				return nil, err
			}
			if logits, err = sv.run(d.embedRow(vocab.StartID), st); err != nil {
				return nil, err
			}
			st.phase = streaming
		case streaming:
			if logits, err = sv.run(d.embedRow(ids[len(ids)-1]), st); err != nil {
				return nil, err
			}
		}
		next := argmax(logits)
		ids = append(ids, next)
		if next == vocab.EndID {
			break
		}
	}
	return ids, nil
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// Generator bundles the full inference pipeline: image file to caption
// string. The extractor must be the same one the decoder was trained
// against.
type Generator struct {
	dec    *Decoder
	ext    features.Extractor
	proc   *features.ImageProcessor
	maxLen int
}

func NewGenerator(dec *Decoder, ext features.Extractor, proc *features.ImageProcessor, maxLen int) (*Generator, error) {
	if ext.Dim() != dec.Config().FeatDim {
		return nil, fmt.Errorf("extractor produces %d-dim features, decoder expects %d", ext.Dim(), dec.Config().FeatDim)
	}
	return &Generator{dec: dec, ext: ext, proc: proc, maxLen: maxLen}, nil
}

// Caption loads an image from disk and returns its generated caption with
// the start and end markers stripped.
func (gn *Generator) Caption(path string) (string, error) {
	img, err := gn.proc.ProcessFile(path)
	if err != nil {
		return "", err
	}
	shape := img.Shape()
	batch := tensor.New(
		tensor.WithShape(1, shape[0], shape[1], shape[2]),
		tensor.WithBacking(img.Data().([]float32)),
	)
	feats, err := gn.ext.EmbedBatch(batch)
	if err != nil {
		return "", fmt.Errorf("extract features: %w", err)
	}
	ids, err := gn.dec.GreedyDecode(feats, gn.maxLen)
	if err != nil {
		return "", err
	}
	return gn.dec.Vocab().Words(ids), nil
}
