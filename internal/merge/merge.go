// Package merge substitutes submitted values into contract template text.
//
// Two placeholder grammars are recognised in a single pass:
//
//	[NAME]     bracketed all-caps token, looked up case-normalized
//	{amount}   brace-wrapped identifier, looked up verbatim then case-normalized
//
// Placeholders without a value are kept verbatim and reported as warnings so a
// partially completed submission still produces a reviewable draft.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a template token.
type Kind int

const (
	Literal Kind = iota
	Bracket
	Brace
)

func (k Kind) String() string {
	switch k {
	case Bracket:
		return "bracket"
	case Brace:
		return "brace"
	default:
		return "literal"
	}
}

// Token is one piece of tokenized template text. Raw is the exact source text
// and Key the placeholder name without delimiters (empty for literals).
type Token struct {
	Kind   Kind
	Raw    string
	Key    string
	Offset int
}

// Warning reports a placeholder that had no value.
type Warning struct {
	Placeholder string `json:"placeholder"`
	Kind        string `json:"kind"`
	Offset      int    `json:"offset"`
}

// Result is the merged text plus unresolved placeholder warnings.
type Result struct {
	Text     string
	Warnings []Warning
}

// Tokenize splits template text into literal and placeholder tokens.
// Adjacent literal text is coalesced into one token.
func Tokenize(text string) []Token {
	var (
		tokens []Token
		litAt  = 0
	)
	flush := func(end int) {
		if end > litAt {
			tokens = append(tokens, Token{Kind: Literal, Raw: text[litAt:end], Offset: litAt})
		}
	}
	for i := 0; i < len(text); i++ {
		var (
			kind   Kind
			closer byte
			valid  func(string) bool
		)
		switch text[i] {
		case '[':
			kind, closer, valid = Bracket, ']', isUpperToken
		case '{':
			kind, closer, valid = Brace, '}', isIdentifier
		default:
			continue
		}
		end := strings.IndexByte(text[i+1:], closer)
		if end < 0 {
			continue
		}
		key := text[i+1 : i+1+end]
		if !valid(key) {
			continue
		}
		flush(i)
		raw := text[i : i+end+2]
		tokens = append(tokens, Token{Kind: kind, Raw: raw, Key: key, Offset: i})
		i += len(raw) - 1
		litAt = i + 1
	}
	flush(len(text))
	return tokens
}

// Merge renders text with the values in submission. It never fails.
func Merge(text string, submission map[string]any) Result {
	normalized := normalize(submission)

	var (
		b        strings.Builder
		warnings []Warning
	)
	b.Grow(len(text))
	for _, tok := range Tokenize(text) {
		if tok.Kind == Literal {
			b.WriteString(tok.Raw)
			continue
		}
		v, ok := lookup(tok, submission, normalized)
		if !ok {
			b.WriteString(tok.Raw)
			warnings = append(warnings, Warning{Placeholder: tok.Raw, Kind: tok.Kind.String(), Offset: tok.Offset})
			continue
		}
		b.WriteString(Format(v))
	}
	return Result{Text: b.String(), Warnings: warnings}
}

// normalize indexes submission by lower-cased key. When several keys fold to
// the same value the all-lowercase key wins, then the lexicographically
// smallest one.
func normalize(submission map[string]any) map[string]any {
	winners := make(map[string]string, len(submission))
	for k := range submission {
		lk := strings.ToLower(k)
		cur, seen := winners[lk]
		switch {
		case !seen:
			winners[lk] = k
		case cur == lk:
		case k == lk || k < cur:
			winners[lk] = k
		}
	}
	normalized := make(map[string]any, len(winners))
	for lk, k := range winners {
		normalized[lk] = submission[k]
	}
	return normalized
}

// Unresolved returns the distinct placeholders reported in warnings, sorted.
func (r Result) Unresolved() []string {
	seen := map[string]struct{}{}
	for _, w := range r.Warnings {
		seen[w.Placeholder] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func lookup(tok Token, submission, normalized map[string]any) (any, bool) {
	if tok.Kind == Brace {
		if v, ok := submission[tok.Key]; ok {
			return v, true
		}
	}
	v, ok := normalized[strings.ToLower(tok.Key)]
	return v, ok
}

// Format renders a submitted JSON value as template text.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func isUpperToken(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		if i == 0 && !letter {
			return false
		}
		if !letter && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
