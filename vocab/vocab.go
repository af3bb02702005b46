// Package vocab builds the closed token vocabulary used to numericalize
// captions and to turn generated ids back into words.
package vocab

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotInitialized is returned when a component that needs a built
// vocabulary is handed an empty one: the id space is undefined.
var ErrNotInitialized = errors.New("vocabulary not initialized")

// Reserved ids. Every built vocabulary assigns these first; corpus tokens
// start at id 4.
const (
	PadID     = 0
	StartID   = 1
	EndID     = 2
	UnknownID = 3
)

// Reserved token strings.
const (
	PadToken     = "<pad>"
	StartToken   = "<start>"
	EndToken     = "<end>"
	UnknownToken = "<unk>"
)

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lowercases text and splits it into alphanumeric runs, dropping
// punctuation. An empty or all-punctuation string yields no tokens.
func Tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// Vocabulary maps tokens to dense integer ids and back. Ids are contiguous
// from 0; itos and stoi are exact inverses. A Vocabulary is built once and
// treated as immutable afterwards.
type Vocabulary struct {
	itos []string
	stoi map[string]int
}

// New returns an empty, unbuilt vocabulary.
func New() *Vocabulary {
	return &Vocabulary{stoi: make(map[string]int)}
}

// NewFromItos reconstructs a vocabulary from a persisted id→token list, as
// stored in a checkpoint.
func NewFromItos(itos []string) *Vocabulary {
	v := &Vocabulary{
		itos: append([]string(nil), itos...),
		stoi: make(map[string]int, len(itos)),
	}
	for id, tok := range v.itos {
		v.stoi[tok] = id
	}
	return v
}

// Build tokenizes the corpus, counts global token frequency, and assigns
// increasing ids (from 4) to every token whose total frequency reaches
// freqThreshold. Ids follow the order tokens first appear in the corpus, so
// the result is deterministic for a given input order.
func (v *Vocabulary) Build(corpus []string, freqThreshold int) {
	freq := make(map[string]int)
	var order []string

	for _, line := range corpus {
		for _, tok := range Tokenize(line) {
			if freq[tok] == 0 {
				order = append(order, tok)
			}
			freq[tok]++
		}
	}

	v.itos = []string{PadToken, StartToken, EndToken, UnknownToken}
	v.stoi = map[string]int{
		PadToken:     PadID,
		StartToken:   StartID,
		EndToken:     EndID,
		UnknownToken: UnknownID,
	}

	for _, tok := range order {
		if freq[tok] < freqThreshold {
			continue
		}
		id := len(v.itos)
		v.itos = append(v.itos, tok)
		v.stoi[tok] = id
	}
}

// Built reports whether the vocabulary holds any ids. The decoder refuses to
// construct against an unbuilt vocabulary.
func (v *Vocabulary) Built() bool {
	return len(v.itos) > 0
}

// Size returns the number of ids, reserved tokens included.
func (v *Vocabulary) Size() int {
	return len(v.itos)
}

// Numericalize maps text to ids. Tokens outside the vocabulary become the
// unknown id; it never fails, and empty input yields an empty sequence.
func (v *Vocabulary) Numericalize(text string) []int {
	toks := Tokenize(text)
	if len(toks) == 0 {
		return nil
	}
	ids := make([]int, len(toks))
	for i, tok := range toks {
		if id, ok := v.stoi[tok]; ok {
			ids[i] = id
		} else {
			ids[i] = UnknownID
		}
	}
	return ids
}

// Wrap surrounds numericalized ids with the start and end sentinels.
func Wrap(ids []int) []int {
	out := make([]int, 0, len(ids)+2)
	out = append(out, StartID)
	out = append(out, ids...)
	return append(out, EndID)
}

// Token returns the token for id, or the unknown token for out-of-range ids.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.itos) {
		return UnknownToken
	}
	return v.itos[id]
}

// ID returns the id for a token and whether the token is in the vocabulary.
func (v *Vocabulary) ID(tok string) (int, bool) {
	id, ok := v.stoi[tok]
	return id, ok
}

// Itos returns a copy of the id→token table for persistence.
func (v *Vocabulary) Itos() []string {
	return append([]string(nil), v.itos...)
}

// Words joins tokens for the given ids with single spaces, skipping the
// reserved pad/start/end sentinels.
func (v *Vocabulary) Words(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id == PadID || id == StartID || id == EndID {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(v.Token(id))
	}
	return b.String()
}
