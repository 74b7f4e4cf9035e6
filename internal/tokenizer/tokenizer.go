// Package tokenizer maps text to token ids and back.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/23skdu/longbow-trit/internal/metrics"
)

// ErrUnknownText is returned by Encode when input has no vocabulary match and
// the vocabulary has no unknown token.
var ErrUnknownText = errors.New("tokenizer: text not covered by vocabulary")

// Tokenizer is the contract the engine consumes.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	DecodeToken(id int) string
}

// Vocab is a greedy longest-match tokenizer over a fixed token list.
type Vocab struct {
	Tokens  []string
	Unknown int // id emitted for uncovered bytes, -1 to fail instead

	ids    map[string]int
	maxLen int
}

// NewVocab indexes tokens. Tokens must be non-empty and unique.
func NewVocab(tokens []string, unknown int) (*Vocab, error) {
	if unknown >= len(tokens) {
		return nil, fmt.Errorf("tokenizer: unknown id %d outside vocabulary of %d", unknown, len(tokens))
	}
	v := &Vocab{Tokens: tokens, Unknown: unknown, ids: make(map[string]int, len(tokens))}
	for i, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("tokenizer: token %d is empty", i)
		}
		if j, dup := v.ids[t]; dup {
			return nil, fmt.Errorf("tokenizer: token %q repeated at %d and %d", t, j, i)
		}
		v.ids[t] = i
		if len(t) > v.maxLen {
			v.maxLen = len(t)
		}
	}
	return v, nil
}

// ByteLevel returns a vocabulary whose ids are raw byte values. With size below
// 256 the higher bytes map to id 0.
func ByteLevel(size int) *Vocab {
	n := min(size, 256)
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = string([]byte{byte(i)})
	}
	unknown := -1
	if n < 256 {
		unknown = 0
	}
	v, _ := NewVocab(tokens, unknown)
	return v
}

func (v *Vocab) Size() int { return len(v.Tokens) }

// Encode takes the longest token matching at each offset.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	unknown := 0
	for i := 0; i < len(text); {
		n := min(v.maxLen, len(text)-i)
		matched := false
		for ; n > 0; n-- {
			if id, ok := v.ids[text[i:i+n]]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if v.Unknown < 0 {
			return nil, fmt.Errorf("%w: byte 0x%02x at offset %d", ErrUnknownText, text[i], i)
		}
		ids = append(ids, v.Unknown)
		unknown++
		i++
	}
	metrics.RecordTokenizerUnknown(unknown)
	return ids, nil
}

// DecodeToken returns the text of id, or "" when id is out of range.
func (v *Vocab) DecodeToken(id int) string {
	if id < 0 || id >= len(v.Tokens) {
		return ""
	}
	return v.Tokens[id]
}

type vocabFile struct {
	Tokens  []string `json:"tokens"`
	Unknown *int     `json:"unknown,omitempty"`
}

// LoadVocab reads a JSON file of the form {"tokens": [...], "unknown": 0}.
// A missing "unknown" makes uncovered text an error.
func LoadVocab(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f vocabFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", path, err)
	}
	unknown := -1
	if f.Unknown != nil {
		unknown = *f.Unknown
	}
	return NewVocab(f.Tokens, unknown)
}

// Save writes the vocabulary in the LoadVocab format.
func (v *Vocab) Save(path string) error {
	f := vocabFile{Tokens: v.Tokens}
	if v.Unknown >= 0 {
		u := v.Unknown
		f.Unknown = &u
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
