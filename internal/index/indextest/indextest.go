// Package indextest writes RFC 5322 message files for tests.
package indextest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Msg describes a message file.
type Msg struct {
	ID         string
	InReplyTo  string
	References []string
	From       string
	To         string
	Subject    string
	Date       time.Time
	Body       string
}

// Render returns the message as RFC 5322 text.
func (m Msg) Render() string {
	var b strings.Builder

	from := m.From
	if from == "" {
		from = "Alice <alice@example.com>"
	}
	to := m.To
	if to == "" {
		to = "list@example.com"
	}
	date := m.Date
	if date.IsZero() {
		date = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	if m.ID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\r\n", m.ID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", m.InReplyTo)
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, r := range m.References {
			refs[i] = "<" + r + ">"
		}
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(refs, " "))
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)

	return b.String()
}

// Write stores m at rel below root and returns the absolute path.
func Write(t testing.TB, root, rel string, m Msg) string {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(m.Render()), 0o600))

	return path
}

// Day returns midnight UTC of the given day in January 2024 plus hours.
func Day(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}
