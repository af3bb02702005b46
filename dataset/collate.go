package dataset

import (
	"fmt"

	"gorgonia.org/tensor"

	"captiongen/vocab"
)

// Batch is the collated form the training and validation loops consume.
type Batch struct {
	// Images holds the stacked image tensors, [batch, channels, size, size].
	Images *tensor.Dense
	// Captions is the padded id grid, [batch, maxLen] ints. Each row is one
	// caption left-aligned and right-padded with the pad id; maxLen is the
	// longest caption in this batch, not a global constant.
	Captions *tensor.Dense
	// Lengths holds each row's true token count, padding excluded.
	Lengths []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Lengths)
}

// Width returns the padded caption length of the batch.
func (b *Batch) Width() int {
	return b.Captions.Shape()[1]
}

// Collate stacks per-sample image tensors into one batch tensor and packs the
// variable-length caption id sequences into a rectangular pad-filled grid plus
// a true-length vector. Every original id is preserved exactly; padding only
// fills positions past each caption's length. Callers guarantee at least one
// sample.
func Collate(images []*tensor.Dense, captions [][]int) (*Batch, error) {
	if len(images) != len(captions) {
		return nil, fmt.Errorf("collate: %d images but %d captions", len(images), len(captions))
	}
	n := len(images)

	itemShape := images[0].Shape()
	itemElems := itemShape.TotalSize()
	stacked := make([]float32, n*itemElems)
	for i, img := range images {
		if !img.Shape().Eq(itemShape) {
			return nil, fmt.Errorf("collate: image %d has shape %v, want %v", i, img.Shape(), itemShape)
		}
		data, ok := img.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("collate: image %d is not float32", i)
		}
		copy(stacked[i*itemElems:(i+1)*itemElems], data)
	}
	imgShape := append([]int{n}, itemShape...)

	maxLen := 0
	for _, c := range captions {
		if len(c) > maxLen {
			maxLen = len(c)
		}
	}

	grid := make([]int, n*maxLen)
	for i := range grid {
		grid[i] = vocab.PadID
	}
	lengths := make([]int, n)
	for i, c := range captions {
		copy(grid[i*maxLen:i*maxLen+len(c)], c)
		lengths[i] = len(c)
	}

	return &Batch{
		Images:   tensor.New(tensor.WithShape(imgShape...), tensor.WithBacking(stacked)),
		Captions: tensor.New(tensor.WithShape(n, maxLen), tensor.WithBacking(grid)),
		Lengths:  lengths,
	}, nil
}
