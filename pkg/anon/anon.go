package anon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

const maskByte = 'X'

var ErrNoKeywords = errors.New("no keyword to anonymize")

// Anonymizer masks every occurrence of its keywords with X, one X per byte
// of the keyword.
type Anonymizer struct {
	matcher  *goahocorasick.Machine
	keywords [][]byte
}

func New(keywords ...string) (*Anonymizer, error) {
	keywords = lo.Uniq(lo.Compact(keywords))
	patterns := make([][]rune, 0, len(keywords))
	raw := make([][]byte, 0, len(keywords))
	for _, k := range keywords {
		patterns = append(patterns, []rune(k))
		raw = append(raw, []byte(k))
	}
	if len(patterns) == 0 {
		return nil, ErrNoKeywords
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Anonymizer{matcher: m, keywords: raw}, nil
}

type span struct {
	start, end int // byte offsets
}

// Anonymize returns a masked copy of text. Matches are replaced leftmost
// first and never overlap; at equal starts the longest keyword wins.
func (a *Anonymizer) Anonymize(text []byte) []byte {
	if len(text) == 0 {
		return []byte{}
	}
	if !utf8.Valid(text) {
		return a.anonymizeBytes(text)
	}

	runes := []rune(string(text))
	terms := a.matcher.MultiPatternSearch(runes, false)
	if len(terms) == 0 {
		return bytes.Clone(text)
	}

	// byte offset of every rune, plus the end of text
	offsets := make([]int, 0, len(runes)+1)
	for i := range string(text) {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))

	spans := make([]span, 0, len(terms))
	for _, term := range terms {
		end := term.Pos + len(term.Word)
		if term.Pos < 0 || end > len(runes) {
			continue
		}
		spans = append(spans, span{start: offsets[term.Pos], end: offsets[end]})
	}
	return maskSpans(text, spans)
}

// anonymizeBytes handles payloads that are not valid UTF-8, where rune
// matching would not line up with the input bytes.
func (a *Anonymizer) anonymizeBytes(text []byte) []byte {
	var spans []span
	for _, k := range a.keywords {
		for from := 0; ; {
			i := bytes.Index(text[from:], k)
			if i < 0 {
				break
			}
			spans = append(spans, span{start: from + i, end: from + i + len(k)})
			from += i + 1
		}
	}
	return maskSpans(text, spans)
}

func maskSpans(text []byte, spans []span) []byte {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	out := bytes.Clone(text)
	covered := 0
	for _, s := range spans {
		if s.start < covered {
			continue
		}
		for i := s.start; i < s.end; i++ {
			out[i] = maskByte
		}
		covered = s.end
	}
	return out
}

// OutputName derives the anonymized file name: the base name without its
// extension, suffixed with "_anon.txt".
func OutputName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_anon.txt"
}

// File anonymizes the file at src and writes the result under OutputName in
// dir. It returns the name of the file written.
func File(src, dir string, keywords ...string) (string, error) {
	a, err := New(keywords...)
	if err != nil {
		return "", err
	}
	text, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("unable to open file %s: %w", src, err)
	}
	name := OutputName(src)
	if err := os.WriteFile(filepath.Join(dir, name), a.Anonymize(text), 0o644); err != nil {
		return "", fmt.Errorf("unable to write file %s: %w", name, err)
	}
	return name, nil
}

// Response is the message returned to the client after File succeeds.
func Response(src, out string) string {
	return fmt.Sprintf("File %s anonymized. Output file is %s", filepath.Base(src), out)
}
