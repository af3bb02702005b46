package features

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Extractor maps a batch of preprocessed images to fixed-length embedding
// vectors. Trainable is a capability flag: when false (the contract's
// default) the training loop never routes gradients into the extractor, and
// it runs in inference-only mode even during training.
type Extractor interface {
	// Dim is the width of the embedding vectors EmbedBatch produces.
	Dim() int
	// EmbedBatch maps a [batch, channels, size, size] float32 tensor to a
	// [batch, Dim] float32 tensor.
	EmbedBatch(images *tensor.Dense) (*tensor.Dense, error)
	// Trainable reports whether the extractor carries parameters the
	// training loop is allowed to update.
	Trainable() bool
}

// PooledProjection is the reference frozen extractor: it average-pools each
// channel over a grid×grid spatial layout and projects the pooled vector
// through a fixed random matrix. The projection is seeded, so the extractor
// is fully deterministic; it stands in for a pretrained backbone when none is
// wired up.
type PooledProjection struct {
	grid int
	dim  int
	proj *mat.Dense // (Channels·grid·grid) × dim
}

// NewPooledProjection builds a frozen extractor producing dim-wide vectors.
// The same seed always yields the same projection.
func NewPooledProjection(dim, grid int, seed int64) (*PooledProjection, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("extractor dim must be positive, got %d", dim)
	}
	if grid <= 0 {
		return nil, fmt.Errorf("pooling grid must be positive, got %d", grid)
	}

	in := Channels * grid * grid
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math.Sqrt(float64(in))
	data := make([]float64, in*dim)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}

	return &PooledProjection{
		grid: grid,
		dim:  dim,
		proj: mat.NewDense(in, dim, data),
	}, nil
}

// Dim implements Extractor.
func (p *PooledProjection) Dim() int { return p.dim }

// Trainable implements Extractor: the projection is frozen by construction.
func (p *PooledProjection) Trainable() bool { return false }

// EmbedBatch implements Extractor.
func (p *PooledProjection) EmbedBatch(images *tensor.Dense) (*tensor.Dense, error) {
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != Channels {
		return nil, fmt.Errorf("expected [batch, %d, size, size] images, got shape %v", Channels, shape)
	}
	batch, size := shape[0], shape[2]
	if shape[3] != size {
		return nil, fmt.Errorf("expected square images, got shape %v", shape)
	}
	if size < p.grid {
		return nil, fmt.Errorf("image side %d smaller than pooling grid %d", size, p.grid)
	}

	pixels, ok := images.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 image tensor, got %v", images.Dtype())
	}

	in := Channels * p.grid * p.grid
	pooled := mat.NewDense(batch, in, nil)
	plane := size * size
	cell := size / p.grid

	for b := 0; b < batch; b++ {
		base := b * Channels * plane
		for c := 0; c < Channels; c++ {
			for gy := 0; gy < p.grid; gy++ {
				for gx := 0; gx < p.grid; gx++ {
					var sum float64
					var n int
					y1, x1 := (gy+1)*cell, (gx+1)*cell
					if gy == p.grid-1 {
						y1 = size
					}
					if gx == p.grid-1 {
						x1 = size
					}
					for y := gy * cell; y < y1; y++ {
						for x := gx * cell; x < x1; x++ {
							sum += float64(pixels[base+c*plane+y*size+x])
							n++
						}
					}
					pooled.Set(b, c*p.grid*p.grid+gy*p.grid+gx, sum/float64(n))
				}
			}
		}
	}

	var out mat.Dense
	out.Mul(pooled, p.proj)

	backing := make([]float32, batch*p.dim)
	for b := 0; b < batch; b++ {
		for d := 0; d < p.dim; d++ {
			backing[b*p.dim+d] = float32(out.At(b, d))
		}
	}
	return tensor.New(tensor.WithShape(batch, p.dim), tensor.WithBacking(backing)), nil
}
