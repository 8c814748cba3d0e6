package index

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a message body is stored for free-text
// search.
const maxBodyBytes = 64 * 1024

// msgIDRe extracts <...> message ids from reference headers.
var msgIDRe = regexp.MustCompile(`<([^<>\s]+)>`)

// headerDecoder decodes RFC 2047 encoded words.
var headerDecoder = &mime.WordDecoder{}

// parsedMessage is the subset of an RFC 5322 message the index stores.
type parsedMessage struct {
	id        string
	parentID  string
	refs      []string
	from      string
	to        string
	subject   string
	date      time.Time
	body      string
	synthetic bool
}

// parseMessage extracts the indexed fields from raw message bytes.
func parseMessage(data []byte) (*parsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	h := msg.Header
	p := &parsedMessage{
		from:    decodeHeader(h.Get("From")),
		to:      decodeHeader(h.Get("To")),
		subject: decodeHeader(h.Get("Subject")),
	}

	if date, err := mail.ParseDate(h.Get("Date")); err == nil {
		p.date = date
	}

	p.id = messageID(h.Get("Message-Id"))
	if p.id == "" {
		// Messages without an id get a stable one derived from their
		// content so re-indexing finds the same message.
		sum := sha1.Sum(data)
		p.id = "mailsync-sha1-" + hex.EncodeToString(sum[:])
		p.synthetic = true
	}

	inReplyTo := parseMessageIDs(h.Get("In-Reply-To"))
	references := parseMessageIDs(h.Get("References"))

	// The direct parent is the first In-Reply-To id, falling back to the
	// last reference.
	switch {
	case len(inReplyTo) > 0:
		p.parentID = inReplyTo[0]
	case len(references) > 0:
		p.parentID = references[len(references)-1]
	}
	if p.parentID == p.id {
		p.parentID = ""
	}

	seen := map[string]struct{}{p.id: {}}
	for _, ref := range append(references, inReplyTo...) {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		p.refs = append(p.refs, ref)
	}

	body, err := io.ReadAll(io.LimitReader(msg.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	p.body = string(body)

	return p, nil
}

// messageID normalizes a Message-ID header value.
func messageID(header string) string {
	if ids := parseMessageIDs(header); len(ids) > 0 {
		return ids[0]
	}

	return strings.Trim(strings.TrimSpace(header), "<>")
}

// parseMessageIDs returns the ids in a header such as References.
func parseMessageIDs(header string) []string {
	matches := msgIDRe.FindAllStringSubmatch(header, -1)

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}

	return ids
}

func decodeHeader(v string) string {
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}

	return strings.TrimSpace(decoded)
}

// AuthorName returns the display name of a From header, or the address when
// the header has no name.
func AuthorName(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return strings.TrimSpace(from)
	}
	if addr.Name != "" {
		return addr.Name
	}

	return addr.Address
}
