package dataset

import (
	"fmt"
	"path/filepath"

	"gorgonia.org/tensor"

	"captiongen/features"
	"captiongen/vocab"
)

// Pair is one training example: an image id and one of its raw captions.
// Images with several captions contribute several pairs.
type Pair struct {
	ImageID string
	Caption string
}

// Dataset addresses (image, caption) pairs by index. The pair order is fixed
// at construction (image ids sorted, captions in file order within an id), so
// an index always resolves to the same pair for the dataset's lifetime.
type Dataset struct {
	imageDir string
	pairs    []Pair
	vocab    *vocab.Vocabulary
	proc     *features.ImageProcessor
}

// NewDataset materializes the index into a flat pair list backed by the given
// vocabulary and image preprocessing.
func NewDataset(imageDir string, idx Index, v *vocab.Vocabulary, proc *features.ImageProcessor) (*Dataset, error) {
	if v == nil || !v.Built() {
		return nil, vocab.ErrNotInitialized
	}
	var pairs []Pair
	for _, id := range idx.ids() {
		for _, c := range idx[id] {
			pairs = append(pairs, Pair{ImageID: id, Caption: c})
		}
	}
	return &Dataset{
		imageDir: imageDir,
		pairs:    pairs,
		vocab:    v,
		proc:     proc,
	}, nil
}

// Len returns the number of (image, caption) pairs.
func (d *Dataset) Len() int {
	return len(d.pairs)
}

// Pair returns the raw pair at index i.
func (d *Dataset) Pair(i int) Pair {
	return d.pairs[i]
}

// Item loads and preprocesses the image for pair i and numericalizes its
// caption, wrapped in start/end sentinels. A missing or unreadable image file
// fails the sample; the caller decides whether to skip or abort.
func (d *Dataset) Item(i int) (*tensor.Dense, []int, error) {
	if i < 0 || i >= len(d.pairs) {
		return nil, nil, fmt.Errorf("item index %d out of range [0, %d)", i, len(d.pairs))
	}
	p := d.pairs[i]

	img, err := d.proc.ProcessFile(filepath.Join(d.imageDir, p.ImageID))
	if err != nil {
		return nil, nil, fmt.Errorf("loading sample %d (%s): %w", i, p.ImageID, err)
	}

	ids := vocab.Wrap(d.vocab.Numericalize(p.Caption))
	return img, ids, nil
}
