package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Entry is a cached remote gadget spec document.
type Entry struct {
	URL       string    `json:"url"`
	Body      []byte    `json:"body"`
	Checksum  string    `json:"checksum,omitempty"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SpecCache stores fetched gadget specs keyed by Key.
type SpecCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Key derives the cache key for a gadget URL. The URL is normalised
// (surrounding whitespace, scheme and host case) and hashed with FNV-1a so
// keys stay short regardless of query strings.
func Key(prefix, gadgetURL string) string {
	normalized := strings.TrimSpace(gadgetURL)
	if scheme, rest, ok := strings.Cut(normalized, "://"); ok {
		host, path, _ := strings.Cut(rest, "/")
		normalized = strings.ToLower(scheme) + "://" + strings.ToLower(host) + "/" + path
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return fmt.Sprintf("%s%016x", prefix, h.Sum64())
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
