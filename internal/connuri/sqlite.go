package connuri

import (
	"fmt"
	"net/url"
	"strings"
)

// SQLiteURI is a parsed mart database URI in one of the accepted shapes:
//
//	sqlite3::memory:[?opts]
//	sqlite3://[user[:pass]@]<path>[?opts]
//	sqlite://<path>[?opts]
//
// A mode=memory query option promotes a file-shaped URI to in-memory.
// User info is accepted for grammar compatibility and discarded; SQLite
// does not authenticate.
type SQLiteURI struct {
	InMemory bool
	Path     string // empty when InMemory
	RawQuery string
}

// ParseSQLite parses the sqlite3: / sqlite: grammars above.
func ParseSQLite(text string) (*SQLiteURI, error) {
	var rest string
	switch {
	case strings.HasPrefix(text, "sqlite3://"):
		rest = text[len("sqlite3://"):]
	case strings.HasPrefix(text, "sqlite3:"):
		rest = text[len("sqlite3:"):]
	case strings.HasPrefix(text, "sqlite://"):
		rest = text[len("sqlite://"):]
	default:
		return nil, fmt.Errorf("%w: not a sqlite URI: %q", ErrIllegalArgument, text)
	}

	rest, rawQuery := splitQuery(rest)
	uri := &SQLiteURI{RawQuery: rawQuery}

	if rest == ":memory:" {
		uri.InMemory = true
		return uri, nil
	}

	// Discard user info when present.
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}
	if rest == "" {
		return nil, fmt.Errorf("%w: sqlite URI missing path: %q", ErrIllegalArgument, text)
	}
	uri.Path = rest

	if rawQuery != "" {
		vals, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, fmt.Errorf("%w: bad sqlite query options: %q", ErrIllegalArgument, rawQuery)
		}
		if vals.Get("mode") == "memory" {
			uri.InMemory = true
			uri.Path = ""
		}
	}
	return uri, nil
}

// String renders the canonical textual form. File-shaped URIs always
// use the sqlite3:// spelling; in-memory URIs the sqlite3::memory: one.
func (u *SQLiteURI) String() string {
	var b strings.Builder
	if u.InMemory {
		b.WriteString("sqlite3::memory:")
	} else {
		b.WriteString("sqlite3://")
		b.WriteString(u.Path)
	}
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// ConnString renders the driver connection string for ncruces/go-sqlite3.
// In-memory databases use a named shared-cache database so every pooled
// connection sees the same data, with the journal in DELETE mode (WAL is
// incompatible with shared in-memory databases).
func (u *SQLiteURI) ConnString() string {
	if u.InMemory {
		return "file:martdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}
	return "file:" + u.Path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
}
