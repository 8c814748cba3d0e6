package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrSyntax is returned for malformed queries.
	ErrSyntax = errors.New("query syntax error")
)

// tokenKind classifies lexer output.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokWord
)

// token is one lexeme. For words, text has quotes removed and bare holds the
// number of leading bytes of text that were outside any quotes.
type token struct {
	kind   tokenKind
	text   string
	bare   int
	quoted bool
	pos    int
}

// prefixRe matches a term prefix at the start of a word.
var prefixRe = regexp.MustCompile(`^([a-z_]+):`)

func isOperator(s string) bool {
	switch s {
	case "AND", "OR", "NOT", "XOR":
		return true
	}

	return false
}

// lex splits s into tokens.
func lex(s string) ([]token, error) {
	var (
		tokens []token
		pos    int
	)

	for pos < len(s) {
		c := s[pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pos++

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: pos})
			pos++

		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: pos})
			pos++

		default:
			tok, next, err := lexWord(s, pos)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			pos = next
		}
	}

	return append(tokens, token{kind: tokEOF, pos: len(s)}), nil
}

// lexWord reads a word starting at start. Quoted segments may appear
// anywhere in the word and may contain spaces and parentheses. A doubled
// quote inside a quoted segment is a literal quote.
func lexWord(s string, start int) (token, int, error) {
	var (
		b      strings.Builder
		pos    = start
		bare   = -1
		quoted bool
	)

loop:
	for pos < len(s) {
		c := s[pos]
		switch c {
		case ' ', '\t', '\n', '\r', '(', ')':
			break loop

		case '"':
			if bare < 0 {
				bare = b.Len()
			}
			quoted = true
			pos++

			closed := false
			for pos < len(s) {
				if s[pos] == '"' {
					if pos+1 < len(s) && s[pos+1] == '"' {
						b.WriteByte('"')
						pos += 2
						continue
					}

					pos++
					closed = true
					break
				}

				b.WriteByte(s[pos])
				pos++
			}

			if !closed {
				return token{}, 0, fmt.Errorf("%w: unterminated "+
					"quote at offset %d", ErrSyntax, start)
			}

		default:
			b.WriteByte(c)
			pos++
		}
	}

	if bare < 0 {
		bare = b.Len()
	}

	return token{
		kind:   tokWord,
		text:   b.String(),
		bare:   bare,
		quoted: quoted,
		pos:    start,
	}, pos, nil
}

// parser is a recursive descent parser over the token stream. Precedence
// from loosest to tightest is OR, XOR, AND (explicit or implicit), NOT.
type parser struct {
	tokens []token
	pos    int
}

// Parse parses a query string. The empty query matches everything.
func Parse(s string) (Node, error) {
	tokens, err := lex(s)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return All{}, nil
	}

	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s at offset %d",
			ErrSyntax, describe(tok), tok.pos)
	}

	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}

	return tok
}

// isKeyword reports whether tok is the unquoted operator kw.
func isKeyword(tok token, kw string) bool {
	return tok.kind == tokWord && !tok.quoted && tok.text == kw
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}

	for isKeyword(p.peek(), "OR") {
		p.next()

		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, L: left, R: right}
	}

	return left, nil
}

func (p *parser) parseXor() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for isKeyword(p.peek(), "XOR") {
		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpXor, L: left, R: right}
	}

	return left, nil
}

// startsUnary reports whether tok can begin an operand, which is what makes
// juxtaposition an implicit AND.
func startsUnary(tok token) bool {
	switch tok.kind {
	case tokLParen:
		return true
	case tokWord:
		return tok.quoted || tok.text == "NOT" || !isOperator(tok.text)
	}

	return false
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		switch {
		case isKeyword(tok, "AND"):
			p.next()

		case startsUnary(tok):

		default:
			return left, nil
		}

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if isKeyword(p.peek(), "NOT") {
		p.next()

		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &Not{X: x}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at offset %d, "+
				"got %s", ErrSyntax, closing.pos,
				describe(closing))
		}

		return n, nil

	case tokWord:
		if !tok.quoted && isOperator(tok.text) {
			return nil, fmt.Errorf("%w: unexpected operator %s at "+
				"offset %d", ErrSyntax, tok.text, tok.pos)
		}

		return termFromToken(tok), nil

	default:
		return nil, fmt.Errorf("%w: unexpected %s at offset %d",
			ErrSyntax, describe(tok), tok.pos)
	}
}

// termFromToken splits a known prefix off a word token. Unknown prefixes
// and prefixes inside quotes leave the whole word as free text.
func termFromToken(tok token) Node {
	if !tok.quoted && tok.text == "*" {
		return All{}
	}

	m := prefixRe.FindStringSubmatch(tok.text)
	if m != nil && len(m[0]) <= tok.bare {
		if field, ok := fieldAliases[m[1]]; ok {
			return &Term{Field: field, Value: tok.text[len(m[0]):]}
		}
	}

	return &Term{Field: FieldText, Value: tok.text}
}

func describe(tok token) string {
	switch tok.kind {
	case tokEOF:
		return "end of query"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	default:
		return fmt.Sprintf("%q", tok.text)
	}
}
