// Package querycache is the client's central cache of remote query results.
//
// Entries are addressed by a structural Key. Reads are deduplicated per key,
// stale entries are served while a background refetch runs, mutations apply
// optimistic data and roll back exactly on failure, and invalidation marks
// entries stale without dropping their data.
package querycache

import (
	"net/url"
	"strings"
)

// Key identifies one cached query result. Two keys are equal iff every field
// matches, so Key is used directly as a map key.
type Key struct {
	Kind    string
	ID      string
	Variant string
	// Params is the canonical encoding of the query parameters (sorted by name).
	Params string
	// Scope is the owning user for per-user data; empty for public data.
	Scope string
}

// NewKey builds a key with params encoded canonically so that maps with the
// same contents always produce equal keys.
func NewKey(kind, id, variant string, params map[string]string) Key {
	return Key{Kind: kind, ID: id, Variant: variant, Params: encodeParams(params)}
}

// WithScope returns a copy of k owned by user.
func (k Key) WithScope(user string) Key {
	k.Scope = user
	return k
}

// UserScoped reports whether k belongs to a particular user.
func (k Key) UserScoped() bool {
	return k.Scope != ""
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Kind)
	b.WriteByte('/')
	b.WriteString(k.ID)
	b.WriteByte('/')
	b.WriteString(k.Variant)
	if k.Params != "" {
		b.WriteByte('?')
		b.WriteString(k.Params)
	}
	if k.Scope != "" {
		b.WriteByte('@')
		b.WriteString(k.Scope)
	}
	return b.String()
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for name, v := range params {
		values.Set(name, v)
	}
	// url.Values.Encode sorts by name.
	return values.Encode()
}
