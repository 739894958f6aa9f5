package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeBothGrammars(t *testing.T) {
	res := Merge("Hello [NAME], your total is {amount}", map[string]any{"name": "Ana", "amount": 42})
	assert.Equal(t, "Hello Ana, your total is 42", res.Text)
	assert.Empty(t, res.Warnings)
}

func TestMergeDecodedJSONNumbers(t *testing.T) {
	var sub map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Ana","amount":42,"rate":0.25,"big":1500000}`), &sub))
	res := Merge("{amount} {rate} {big}", sub)
	assert.Equal(t, "42 0.25 1500000", res.Text)
}

func TestMergeUnresolvedKeptVerbatim(t *testing.T) {
	res := Merge("Dear [CLIENT_NAME], ref {caseRef}, fee [FEE].", map[string]any{"fee": "100"})
	assert.Equal(t, "Dear [CLIENT_NAME], ref {caseRef}, fee 100.", res.Text)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, Warning{Placeholder: "[CLIENT_NAME]", Kind: "bracket", Offset: 5}, res.Warnings[0])
	assert.Equal(t, "brace", res.Warnings[1].Kind)
	assert.Equal(t, []string{"[CLIENT_NAME]", "{caseRef}"}, res.Unresolved())
}

func TestMergeBraceLookupOrder(t *testing.T) {
	sub := map[string]any{"clientName": "verbatim", "clientname": "normalized"}
	assert.Equal(t, "verbatim", Merge("{clientName}", sub).Text)
	assert.Equal(t, "normalized", Merge("{CLIENTNAME}", sub).Text)
	assert.Equal(t, "normalized", Merge("[CLIENTNAME]", sub).Text)

	onlyMixed := map[string]any{"ClientName": "mixed"}
	assert.Equal(t, "mixed", Merge("{clientname}", onlyMixed).Text)
	assert.Equal(t, "mixed", Merge("[CLIENTNAME]", onlyMixed).Text)
}

func TestMergeCaseCollisionIsDeterministic(t *testing.T) {
	mixed := map[string]any{"Name": "a", "NAME": "b"}
	for i := 0; i < 100; i++ {
		// "NAME" sorts before "Name"
		require.Equal(t, "b", Merge("[NAME]", mixed).Text)
	}
	withLower := map[string]any{"Name": "a", "NAME": "b", "name": "c"}
	for i := 0; i < 100; i++ {
		require.Equal(t, "c", Merge("[NAME]", withLower).Text)
	}
	assert.Equal(t, "a", Merge("{Name}", withLower).Text)
}

func TestMergeIgnoresNonPlaceholders(t *testing.T) {
	text := "see [a] and [Mixed] and {1abc} and {two words} and [ ] unclosed [NAME"
	res := Merge(text, map[string]any{"a": "x", "mixed": "y", "name": "z"})
	assert.Equal(t, text, res.Text)
	assert.Empty(t, res.Warnings)
}

func TestMergeIsIdempotent(t *testing.T) {
	sub := map[string]any{"name": "Ana", "amount": 42, "date": "2024-01-01"}
	templates := []string{
		"Hello [NAME], your total is {amount}",
		"[NAME] signs on {date}; witness [WITNESS] {missing}",
		"no placeholders at all",
		"{{amount}} [[NAME]]",
	}
	for _, tmpl := range templates {
		first := Merge(tmpl, sub)
		second := Merge(first.Text, sub)
		assert.Equal(t, first.Text, second.Text, tmpl)
	}
}

func TestMergeValueFormatting(t *testing.T) {
	sub := map[string]any{
		"flag":  true,
		"none":  nil,
		"list":  []any{"a", "b"},
		"obj":   map[string]any{"k": 1},
		"count": int64(7),
	}
	res := Merge("{flag}|{none}|{list}|{obj}|{count}", sub)
	assert.Equal(t, `true||["a","b"]|{"k":1}|7`, res.Text)
}

func TestTokenize(t *testing.T) {
	toks := Tokenize("A [B] {c}")
	require.Len(t, toks, 4)
	assert.Equal(t, Literal, toks[0].Kind)
	assert.Equal(t, Token{Kind: Bracket, Raw: "[B]", Key: "B", Offset: 2}, toks[1])
	assert.Equal(t, Literal, toks[2].Kind)
	assert.Equal(t, " ", toks[2].Raw)
	assert.Equal(t, Token{Kind: Brace, Raw: "{c}", Key: "c", Offset: 6}, toks[3])
}
