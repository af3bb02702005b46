package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const captionFile = `image,caption
1000.jpg#0	A dog runs across the field .
1000.jpg#1	A brown dog outside .
1001.jpg#0	Two children play .
garbage line without a tab
1002.jpg#0
1001.jpg#1	Kids playing together .

1003.jpg	A standalone record .
`

func TestLoadCaptions(t *testing.T) {
	idx, err := LoadCaptions(strings.NewReader(captionFile))
	require.NoError(t, err)

	// Header, the tab-less line, the empty-caption record and the blank
	// line all drop out; the rest group by stripped image id.
	require.Len(t, idx, 3)
	assert.Equal(t, []string{
		"A dog runs across the field .",
		"A brown dog outside .",
	}, idx["1000.jpg"])
	assert.Equal(t, []string{
		"Two children play .",
		"Kids playing together .",
	}, idx["1001.jpg"])
	assert.Equal(t, []string{"A standalone record ."}, idx["1003.jpg"])
}

func TestLoadCaptionsHeaderAlwaysSkipped(t *testing.T) {
	// Even a header that parses like a record must not become one.
	idx, err := LoadCaptions(strings.NewReader("a.jpg#0\tlooks like data\nb.jpg#0\treal caption\n"))
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Contains(t, idx, "b.jpg")
}

func TestCaptionsSortedByImage(t *testing.T) {
	idx := Index{
		"b.jpg": {"second one", "second two"},
		"a.jpg": {"first"},
	}
	assert.Equal(t, []string{"first", "second one", "second two"}, idx.Captions())
}

func TestSplit(t *testing.T) {
	idx := make(Index)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		idx[id] = []string{"caption for " + id}
	}

	train, val := Split(idx, 0.25, 42)

	// floor(10 * 0.25) = 2 validation images.
	assert.Len(t, val, 2)
	assert.Len(t, train, 8)

	// Every id lands in exactly one side.
	for id := range idx {
		_, inTrain := train[id]
		_, inVal := val[id]
		assert.True(t, inTrain != inVal, "id %q must be in exactly one split", id)
	}
}

func TestSplitDeterministic(t *testing.T) {
	idx := Index{"a": {"x"}, "b": {"x"}, "c": {"x"}, "d": {"x"}}

	_, val1 := Split(idx, 0.5, 7)
	_, val2 := Split(idx, 0.5, 7)
	assert.Equal(t, keys(val1), keys(val2))
}

func TestSplitTinyRatio(t *testing.T) {
	idx := Index{"a": {"x"}, "b": {"x"}, "c": {"x"}}

	// floor(3 * 0.1) = 0: everything trains.
	train, val := Split(idx, 0.1, 1)
	assert.Empty(t, val)
	assert.Len(t, train, 3)
}

func keys(idx Index) []string {
	return idx.ids()
}
