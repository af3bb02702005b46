// Package dataset turns a caption file and an image directory into the
// padded tensor batches the decoder trains on.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Index associates each image id with its caption strings, in file order.
type Index map[string][]string

// LoadCaptions parses a newline-delimited caption source. The first line is a
// header and is skipped. Each record is `<image_id>[#<n>]<TAB><caption>`; the
// per-caption `#<n>` suffix is stripped so all captions of an image group
// under one id. Records that do not split into exactly two fields are
// skipped, not fatal.
func LoadCaptions(r io.Reader) (Index, error) {
	idx := make(Index)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			continue
		}
		id := fields[0]
		if h := strings.IndexByte(id, '#'); h >= 0 {
			id = id[:h]
		}
		id = strings.TrimSpace(id)
		caption := strings.TrimSpace(fields[1])
		if id == "" || caption == "" {
			continue
		}
		idx[id] = append(idx[id], caption)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading caption source: %w", err)
	}
	return idx, nil
}

// Captions flattens the index into one slice of caption strings, ordered by
// image id. Used to build the vocabulary from the training split only.
func (idx Index) Captions() []string {
	var out []string
	for _, id := range idx.ids() {
		out = append(out, idx[id]...)
	}
	return out
}

func (idx Index) ids() []string {
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Split partitions the index by image id so that no image's captions straddle
// the two sets. Ids are shuffled with the seeded source and the first
// floor(valRatio·n) of them form the validation set.
func Split(idx Index, valRatio float64, seed int64) (train, val Index) {
	ids := idx.ids()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	nVal := int(math.Floor(float64(len(ids)) * valRatio))
	train = make(Index, len(ids)-nVal)
	val = make(Index, nVal)
	for i, id := range ids {
		if i < nVal {
			val[id] = idx[id]
		} else {
			train[id] = idx[id]
		}
	}
	return train, val
}
