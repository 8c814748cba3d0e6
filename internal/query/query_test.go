package query

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseCanonicalForm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single tag", "tag:inbox", "tag:inbox"},
		{"empty matches all", "", "*"},
		{"whitespace matches all", "   ", "*"},
		{"star", "*", "*"},
		{
			"explicit and not",
			"tag:inbox AND NOT tag:spam",
			"(tag:inbox AND NOT tag:spam)",
		},
		{"implicit and binds tighter than or", "a b OR c", "((a AND b) OR c)"},
		{"xor binds tighter than or", "a OR b XOR c", "(a OR (b XOR c))"},
		{"parentheses", "a AND (b OR c)", "(a AND (b OR c))"},
		{"implicit and with not", "a NOT b", "(a AND NOT b)"},
		{"quoted prefix value", `from:"John Doe"`, `from:"John Doe"`},
		{"quoted prefix is text", `"tag:x"`, `"tag:x"`},
		{"unknown prefix is text", "foo:bar", `"foo:bar"`},
		{"mid alias", "mid:abc@example.com", "id:abc@example.com"},
		{"quoted operator is text", `"AND"`, `"AND"`},
		{"doubled quote", `subject:"say ""hi"""`, `subject:"say ""hi"""`},
		{
			"thread compound",
			AndQueries("thread:0000000000000001", "tag:a OR tag:b"),
			"(thread:0000000000000001 AND (tag:a OR tag:b))",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n, err := Parse(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.want, n.String())
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"(tag:a",
		"tag:a)",
		"AND",
		"a OR",
		"NOT",
		`"unterminated`,
		"()",
	}

	for _, input := range inputs {
		_, err := Parse(input)
		require.ErrorIs(t, err, ErrSyntax, "input %q", input)
	}
}

// genNode draws a random query tree.
func genNode(t *rapid.T, depth int) Node {
	kind := rapid.IntRange(0, 3).Draw(t, "kind")
	if depth <= 0 {
		kind = 0
	}

	switch kind {
	case 1:
		return &Not{X: genNode(t, depth-1)}

	case 2, 3:
		return &Binary{
			Op: rapid.SampledFrom(
				[]Op{OpAnd, OpOr, OpXor},
			).Draw(t, "op"),
			L: genNode(t, depth-1),
			R: genNode(t, depth-1),
		}

	default:
		field := rapid.SampledFrom([]Field{
			FieldText, FieldTag, FieldFrom, FieldSubject,
			FieldID, FieldThread,
		}).Draw(t, "field")
		value := rapid.StringMatching(`[a-zA-Z0-9 "():@.]{0,8}`).Draw(
			t, "value",
		)

		return &Term{Field: field, Value: value}
	}
}

// TestStringRoundTrip checks that rendering a tree and parsing it back
// yields the same tree.
func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := genNode(t, 3)

		parsed, err := Parse(n.String())
		require.NoError(t, err, "query %q", n.String())
		require.Equal(t, n.String(), parsed.String())
	})
}

func TestCompileTags(t *testing.T) {
	t.Parallel()

	c, err := ParseAndCompile("tag:inbox AND NOT tag:spam", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"inbox", "spam"}, c.Args)
	require.Equal(t, []string{"inbox", "spam"}, c.Tags)
	require.Contains(t, c.Where, "NOT (EXISTS")
}

func TestCompileXorArgumentOrder(t *testing.T) {
	t.Parallel()

	c, err := ParseAndCompile("tag:a XOR tag:b", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b", "a", "b"}, c.Args)
}

func TestCompileLikeEscaping(t *testing.T) {
	t.Parallel()

	c, err := ParseAndCompile("subject:100%_off", nil)
	require.NoError(t, err)
	require.Equal(t, []any{`%100\%\_off%`}, c.Args)
}

func TestCompileDateRange(t *testing.T) {
	t.Parallel()

	c, err := ParseAndCompile("date:2024-01-01..2024-01-31", nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1704067200), int64(1706745600)}, c.Args)

	c, err = ParseAndCompile("date:..@100", nil)
	require.NoError(t, err)
	require.Equal(t, []any{int64(101)}, c.Args)

	_, err = ParseAndCompile("date:someday", nil)
	require.ErrorIs(t, err, ErrBadDate)
}

func TestCompileFolderAndPath(t *testing.T) {
	t.Parallel()

	c, err := ParseAndCompile("folder:lists/go", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"lists/go", "lists/go/cur", "lists/go/new"},
		c.Args)

	c, err = ParseAndCompile("path:lists/**", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"lists", "lists/%"}, c.Args)

	c, err = ParseAndCompile("folder:", nil)
	require.NoError(t, err)
	require.Equal(t, []any{"", "cur", "new"}, c.Args)
}

func TestCompileNamedQueries(t *testing.T) {
	t.Parallel()

	saved := map[string]string{
		"inbox":  "tag:inbox",
		"unread": "query:inbox AND tag:unread",
		"loop1":  "query:loop2",
		"loop2":  "tag:x OR query:loop1",
		"broken": "(",
	}
	resolve := func(name string) (string, error) {
		q, ok := saved[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownQuery, name)
		}

		return q, nil
	}

	c, err := ParseAndCompile("query:unread", resolve)
	require.NoError(t, err)
	require.Equal(t, []string{"inbox", "unread"}, c.Tags)

	// The same name may appear twice as long as it does not recurse.
	_, err = ParseAndCompile("query:inbox OR query:inbox", resolve)
	require.NoError(t, err)

	_, err = ParseAndCompile("query:loop1", resolve)
	require.ErrorIs(t, err, ErrQueryCycle)

	_, err = ParseAndCompile("query:missing", resolve)
	require.ErrorIs(t, err, ErrUnknownQuery)

	_, err = ParseAndCompile("query:broken", resolve)
	require.ErrorIs(t, err, ErrSyntax)

	_, err = ParseAndCompile("query:inbox", nil)
	require.ErrorIs(t, err, ErrUnknownQuery)
}

func TestAndQueries(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a AND (b)", AndQueries("a", "b"))
	require.Equal(t, "b", AndQueries("", "b"))
	require.Equal(t, "a", AndQueries("a", "  "))
}

func TestQuote(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc@example.com", Quote("abc@example.com"))
	require.Equal(t, `"a b"`, Quote("a b"))
	require.Equal(t, `""`, Quote(""))
	require.Equal(t, `"OR"`, Quote("OR"))
	require.Equal(t, `"x""y"`, Quote(`x"y`))
}

func TestParseSort(t *testing.T) {
	t.Parallel()

	for sort, name := range sortNames {
		parsed, err := ParseSort(name)
		require.NoError(t, err)
		require.Equal(t, sort, parsed)
	}

	parsed, err := ParseSort("Newest-First")
	require.NoError(t, err)
	require.Equal(t, NewestFirst, parsed)

	_, err = ParseSort("random")
	require.Error(t, err)
}
