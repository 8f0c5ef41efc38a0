// Package transport defines the Transport Adapter: the one capability
// the delivery pipeline's core needs from an outbound mail system. Send
// an envelope, get back success-with-id or failure-with-reason.
package transport

import (
	"context"
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Envelope is the fully-resolved message ready to hand to a transport.
type Envelope struct {
	FromName string
	From     string
	To       string
	Subject  string
	HTML     string
	Text     string // optional; derived from HTML when empty
}

// Result is returned by a transport after attempting delivery.
type Result struct {
	Success    bool
	MessageID  string
	PreviewURL string
	Error      string
}

// Adapter is the core's only view of the outbound mail system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	Send(ctx context.Context, env Envelope) (Result, error)
	// Close flushes and closes all pooled connections.
	Close() error
}

// SenderConfig identifies the transport connection a sender uses: the
// pooling key is the unique (Host, Port, User) tuple.
type SenderConfig struct {
	Host   string
	Port   int
	Secure bool
	User   string
	Secret string
}

// Key returns the pool key for a SenderConfig.
func (c SenderConfig) Key() string {
	return c.Host + ":" + strconv.Itoa(c.Port) + ":" + c.User
}

var (
	tagRegex = regexp.MustCompile(`<[^>]*>`)
	wsRegex  = regexp.MustCompile(`\s+`)
)

// PlainTextFallback derives a plain-text body from HTML by stripping
// tags and decoding a fixed minimal entity set, per the worker pool's
// envelope-building step.
func PlainTextFallback(htmlBody string) string {
	stripped := tagRegex.ReplaceAllString(htmlBody, " ")
	stripped = decodeMinimalEntities(stripped)
	stripped = wsRegex.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(stripped)
}

func decodeMinimalEntities(s string) string {
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
	)
	return replacer.Replace(s)
}

// FromHeader builds the `"<name>" <email>` From header value.
func FromHeader(name, email string) string {
	if name == "" {
		return email
	}
	return `"` + html.EscapeString(name) + `" <` + email + `>`
}
