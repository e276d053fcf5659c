// Package connuri parses the connection URI grammars recognized by the
// replicator: the mart database URIs (PostgreSQL, SQLite), the info
// queue URIs (AMQP, SQS), and the sz://core-settings indirection that
// extracts a URI from the engine settings JSON.
//
// Parsers are held in a plain table of (scheme prefix, parse func)
// pairs populated in a fixed order; first matching prefix wins.
package connuri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrIllegalArgument is returned for URIs that match a known scheme but
// violate its grammar, and for sz:// indirections that fail to resolve.
var ErrIllegalArgument = errors.New("illegal argument")

// ErrUnknownScheme is returned by Parse for URIs with no registered parser.
var ErrUnknownScheme = errors.New("unrecognized URI scheme")

// URI is a parsed connection URI. String renders the canonical textual
// form; Parse is total over that output.
type URI interface {
	String() string
}

type parserEntry struct {
	prefix string
	parse  func(string) (URI, error)
}

// Parser table. Order matters: sqlite3: must be tried before sqlite:,
// and amqps before amqp, because matching is by prefix.
var parsers = []parserEntry{
	{"postgresql://", func(s string) (URI, error) { return ParsePostgres(s) }},
	{"sqlite3:", func(s string) (URI, error) { return ParseSQLite(s) }},
	{"sqlite:", func(s string) (URI, error) { return ParseSQLite(s) }},
	{"amqps://", func(s string) (URI, error) { return ParseAMQP(s) }},
	{"amqp://", func(s string) (URI, error) { return ParseAMQP(s) }},
	{"https://", func(s string) (URI, error) { return ParseSQS(s) }},
}

// Parse dispatches to the parser registered for the URI's scheme.
func Parse(text string) (URI, error) {
	for _, p := range parsers {
		if strings.HasPrefix(text, p.prefix) {
			return p.parse(text)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, text)
}

// escape percent-encodes a URI component the way the deployed configs
// do: query escaping with literal %20 for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func unescape(s string) (string, error) {
	// PathUnescape, not QueryUnescape: '+' in a user or password is a
	// literal plus sign.
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("%w: bad percent encoding in %q", ErrIllegalArgument, s)
	}
	return out, nil
}

// splitQuery splits "rest?query" into rest and the raw query (empty if
// absent).
func splitQuery(s string) (rest, rawQuery string) {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
