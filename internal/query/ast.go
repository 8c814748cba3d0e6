// Package query parses the notmuch-style search language used by mailsync
// and compiles it into parameterized SQL over the index schema.
package query

import (
	"fmt"
	"strings"
)

// Field is the prefix of a search term.
type Field string

const (
	// FieldText matches free text in the subject, body and sender.
	FieldText Field = ""

	// FieldTag matches a tag exactly.
	FieldTag Field = "tag"

	// FieldFrom matches a substring of the From header.
	FieldFrom Field = "from"

	// FieldTo matches a substring of the To header.
	FieldTo Field = "to"

	// FieldSubject matches a substring of the subject.
	FieldSubject Field = "subject"

	// FieldID matches a Message-ID exactly. "mid:" is an alias.
	FieldID Field = "id"

	// FieldThread matches a thread id exactly.
	FieldThread Field = "thread"

	// FieldPath matches the directory of a message file relative to the
	// mail root. A trailing "/**" matches recursively.
	FieldPath Field = "path"

	// FieldFolder matches a maildir folder, including its cur and new
	// subdirectories.
	FieldFolder Field = "folder"

	// FieldDate matches a date range "since..until".
	FieldDate Field = "date"

	// FieldQuery expands a named query.
	FieldQuery Field = "query"
)

// fieldAliases maps every recognized prefix to its field.
var fieldAliases = map[string]Field{
	"tag":     FieldTag,
	"from":    FieldFrom,
	"to":      FieldTo,
	"subject": FieldSubject,
	"id":      FieldID,
	"mid":     FieldID,
	"thread":  FieldThread,
	"path":    FieldPath,
	"folder":  FieldFolder,
	"date":    FieldDate,
	"query":   FieldQuery,
}

// Op is a boolean operator joining two nodes.
type Op int

const (
	// OpAnd requires both sides to match.
	OpAnd Op = iota

	// OpOr requires either side to match.
	OpOr

	// OpXor requires exactly one side to match.
	OpXor
)

// String returns the operator keyword.
func (o Op) String() string {
	switch o {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpXor:
		return "XOR"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Node is an element of a parsed query.
type Node interface {
	// String renders the node back into query syntax with explicit
	// grouping.
	String() string

	isNode()
}

// All matches every message. It is produced by "*" and the empty query.
type All struct{}

// String implements Node.
func (All) String() string { return "*" }

func (All) isNode() {}

// Term is a single, possibly prefixed, search term.
type Term struct {
	Field Field
	Value string
}

// String implements Node.
func (t *Term) String() string {
	if t.Field == FieldText {
		return Quote(t.Value)
	}

	return string(t.Field) + ":" + Quote(t.Value)
}

func (*Term) isNode() {}

// Not negates its operand.
type Not struct {
	X Node
}

// String implements Node.
func (n *Not) String() string {
	return "NOT " + n.X.String()
}

func (*Not) isNode() {}

// Binary joins two nodes with an operator.
type Binary struct {
	Op   Op
	L, R Node
}

// String implements Node.
func (b *Binary) String() string {
	return "(" + b.L.String() + " " + b.Op.String() + " " +
		b.R.String() + ")"
}

func (*Binary) isNode() {}

// Quote returns v in a form the parser reads back as a single term value.
func Quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r()\":") &&
		!isOperator(v) {

		return v
	}

	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// AndQueries combines two queries so that both must match. The second query
// is parenthesized so operators inside it do not bind to the first. An empty
// side yields the other unchanged.
func AndQueries(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " AND (" + b + ")"
	}
}

// Tags returns every tag named by a positive or negative tag: term in n.
func Tags(n Node) []string {
	var tags []string
	walk(n, func(t *Term) {
		if t.Field == FieldTag {
			tags = append(tags, t.Value)
		}
	})

	return tags
}

// walk calls fn for every term in n.
func walk(n Node, fn func(*Term)) {
	switch n := n.(type) {
	case *Term:
		fn(n)
	case *Not:
		walk(n.X, fn)
	case *Binary:
		walk(n.L, fn)
		walk(n.R, fn)
	}
}
