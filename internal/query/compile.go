package query

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrQueryCycle is returned when named queries refer to each other
	// recursively.
	ErrQueryCycle = errors.New("named query cycle")

	// ErrUnknownQuery is returned when query:<name> names no saved
	// query.
	ErrUnknownQuery = errors.New("unknown named query")

	// ErrBadDate is returned for date: terms that cannot be parsed.
	ErrBadDate = errors.New("invalid date range")
)

// Resolver looks up the text of a named query. It returns ErrUnknownQuery
// (possibly wrapped) if the name is not defined.
type Resolver func(name string) (string, error)

// Compiled is a query translated into a SQL boolean expression over the
// messages table aliased as "m".
type Compiled struct {
	// Where is the boolean expression.
	Where string

	// Args are the positional parameters referenced by Where.
	Args []any

	// Tags holds every tag the query names explicitly, after named query
	// expansion.
	Tags []string
}

// compiler carries state through one compilation.
type compiler struct {
	resolve Resolver
	stack   []string
	args    []any
	tags    []string
	now     time.Time
}

// Compile translates n into SQL. resolve may be nil when the caller knows
// the query contains no query: terms.
func Compile(n Node, resolve Resolver) (*Compiled, error) {
	c := &compiler{
		resolve: resolve,
		now:     time.Now(),
	}

	where, err := c.node(n)
	if err != nil {
		return nil, err
	}

	return &Compiled{
		Where: where,
		Args:  c.args,
		Tags:  c.tags,
	}, nil
}

// ParseAndCompile parses s and compiles the result.
func ParseAndCompile(s string, resolve Resolver) (*Compiled, error) {
	n, err := Parse(s)
	if err != nil {
		return nil, err
	}

	return Compile(n, resolve)
}

func (c *compiler) node(n Node) (string, error) {
	switch n := n.(type) {
	case All:
		return "1", nil

	case *Not:
		x, err := c.node(n.X)
		if err != nil {
			return "", err
		}

		return "NOT (" + x + ")", nil

	case *Binary:
		return c.binary(n)

	case *Term:
		return c.term(n)

	default:
		return "", fmt.Errorf("unsupported query node %T", n)
	}
}

func (c *compiler) binary(b *Binary) (string, error) {
	switch b.Op {
	case OpAnd, OpOr:
		l, err := c.node(b.L)
		if err != nil {
			return "", err
		}
		r, err := c.node(b.R)
		if err != nil {
			return "", err
		}

		return "(" + l + ") " + b.Op.String() + " (" + r + ")", nil

	case OpXor:
		// Both sides appear twice, so each is compiled twice to keep the
		// positional arguments in order.
		l1, err := c.node(b.L)
		if err != nil {
			return "", err
		}
		r1, err := c.node(b.R)
		if err != nil {
			return "", err
		}
		l2, err := c.node(b.L)
		if err != nil {
			return "", err
		}
		r2, err := c.node(b.R)
		if err != nil {
			return "", err
		}

		return "((" + l1 + ") AND NOT (" + r1 + ")) OR (NOT (" + l2 +
			") AND (" + r2 + "))", nil

	default:
		return "", fmt.Errorf("unsupported operator %v", b.Op)
	}
}

func (c *compiler) arg(v any) {
	c.args = append(c.args, v)
}

// likeContains escapes v for use in a LIKE pattern matching any string that
// contains it.
func likeContains(v string) string {
	return "%" + escapeLike(v) + "%"
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

func (c *compiler) term(t *Term) (string, error) {
	switch t.Field {
	case FieldText:
		pattern := likeContains(t.Value)
		c.arg(pattern)
		c.arg(pattern)
		c.arg(pattern)

		return `(m.subject LIKE ? ESCAPE '\' OR ` +
			`m.body LIKE ? ESCAPE '\' OR ` +
			`m.from_header LIKE ? ESCAPE '\')`, nil

	case FieldTag:
		c.tags = append(c.tags, t.Value)
		c.arg(t.Value)

		return "EXISTS (SELECT 1 FROM tags t WHERE " +
			"t.message_id = m.id AND t.tag = ?)", nil

	case FieldFrom:
		c.arg(likeContains(t.Value))
		return `m.from_header LIKE ? ESCAPE '\'`, nil

	case FieldTo:
		c.arg(likeContains(t.Value))
		return `m.to_header LIKE ? ESCAPE '\'`, nil

	case FieldSubject:
		c.arg(likeContains(t.Value))
		return `m.subject LIKE ? ESCAPE '\'`, nil

	case FieldID:
		c.arg(strings.Trim(t.Value, "<>"))
		return "m.id = ?", nil

	case FieldThread:
		c.arg(t.Value)
		return "m.thread_id = ?", nil

	case FieldPath:
		return c.pathTerm(t.Value), nil

	case FieldFolder:
		dir := cleanDir(t.Value)
		c.arg(dir)
		c.arg(cleanDir(path.Join(dir, "cur")))
		c.arg(cleanDir(path.Join(dir, "new")))

		return "EXISTS (SELECT 1 FROM message_files f WHERE " +
			"f.message_id = m.id AND f.dir IN (?, ?, ?))", nil

	case FieldDate:
		return c.dateTerm(t.Value)

	case FieldQuery:
		return c.namedQuery(t.Value)

	default:
		return "", fmt.Errorf("unsupported field %q", t.Field)
	}
}

// cleanDir normalizes a directory relative to the mail root. The root itself
// is the empty string.
func cleanDir(dir string) string {
	dir = path.Clean(strings.Trim(dir, "/"))
	if dir == "." {
		return ""
	}

	return dir
}

func (c *compiler) pathTerm(v string) string {
	if strings.HasSuffix(v, "**") {
		dir := cleanDir(strings.TrimSuffix(v, "**"))
		if dir == "" {
			return "EXISTS (SELECT 1 FROM message_files f WHERE " +
				"f.message_id = m.id)"
		}

		c.arg(dir)
		c.arg(escapeLike(dir) + "/%")

		return "EXISTS (SELECT 1 FROM message_files f WHERE " +
			`f.message_id = m.id AND (f.dir = ? OR ` +
			`f.dir LIKE ? ESCAPE '\'))`
	}

	c.arg(cleanDir(v))

	return "EXISTS (SELECT 1 FROM message_files f WHERE " +
		"f.message_id = m.id AND f.dir = ?)"
}

func (c *compiler) dateTerm(v string) (string, error) {
	since, until, found := strings.Cut(v, "..")
	if !found {
		until = since
	}

	var conds []string
	if since != "" {
		start, _, err := parseDate(since, c.now)
		if err != nil {
			return "", err
		}
		conds = append(conds, "m.date >= ?")
		c.arg(start.Unix())
	}

	if until != "" {
		_, end, err := parseDate(until, c.now)
		if err != nil {
			return "", err
		}
		conds = append(conds, "m.date < ?")
		c.arg(end.Unix())
	}

	if len(conds) == 0 {
		return "1", nil
	}

	return strings.Join(conds, " AND "), nil
}

// parseDate returns the half-open interval [start, end) covered by a date
// expression. Supported forms are @<unix seconds>, YYYY, YYYY-MM,
// YYYY-MM-DD, today, yesterday and now.
func parseDate(s string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	today := time.Date(
		now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC,
	)

	switch s {
	case "now":
		return now, now.Add(time.Second), nil
	case "today":
		return today, today.AddDate(0, 0, 1), nil
	case "yesterday":
		return today.AddDate(0, 0, -1), today, nil
	}

	if strings.HasPrefix(s, "@") {
		secs, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q",
				ErrBadDate, s)
		}

		t := time.Unix(secs, 0).UTC()
		return t, t.Add(time.Second), nil
	}

	layouts := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{"2006-01-02", func(t time.Time) time.Time {
			return t.AddDate(0, 0, 1)
		}},
		{"2006-01", func(t time.Time) time.Time {
			return t.AddDate(0, 1, 0)
		}},
		{"2006", func(t time.Time) time.Time {
			return t.AddDate(1, 0, 0)
		}},
	}
	for _, l := range layouts {
		t, err := time.ParseInLocation(l.layout, s, time.UTC)
		if err == nil {
			return t, l.step(t), nil
		}
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

func (c *compiler) namedQuery(name string) (string, error) {
	for _, seen := range c.stack {
		if seen == name {
			return "", fmt.Errorf("%w: %s -> %s", ErrQueryCycle,
				strings.Join(c.stack, " -> "), name)
		}
	}

	if c.resolve == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}

	text, err := c.resolve(name)
	if err != nil {
		return "", fmt.Errorf("query:%s: %w", name, err)
	}

	n, err := Parse(text)
	if err != nil {
		return "", fmt.Errorf("query:%s: %w", name, err)
	}

	c.stack = append(c.stack, name)
	defer func() {
		c.stack = c.stack[:len(c.stack)-1]
	}()

	return c.node(n)
}
