package schema

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Index is a named secondary index over an ordered list of columns.
type Index struct {
	// Name is a deterministic function of Keys and Unique.
	Name string
	// Keys is the ordered list of JSON paths the index covers.
	Keys []string
	// Unique marks this as a unique index.
	Unique bool
}

// NewIndex builds the Index descriptor for a comma-separated keys string
// such as "lastName, firstName".
func NewIndex(keys string, unique bool) Index {
	parsed := SplitKeys(keys)
	return Index{
		Name:   IndexName(parsed, unique),
		Keys:   parsed,
		Unique: unique,
	}
}

// SplitKeys parses a comma-separated keys string into trimmed path parts.
func SplitKeys(keys string) []string {
	parts := strings.Split(keys, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IndexName derives a stable, deterministic index name from its keys and
// uniqueness, so repeated calls to add the same index are idempotent.
func IndexName(keys []string, unique bool) string {
	h := sha1.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s\x00", strings.ToLower(k))
	}
	fmt.Fprintf(h, "%v", unique)
	sum := hex.EncodeToString(h.Sum(nil))[:12]
	prefix := "idx"
	if unique {
		prefix = "uidx"
	}
	return fmt.Sprintf("%s_%s", prefix, sum)
}

// StorageKeys returns the stored column names backing Keys, in order.
func (ix Index) StorageKeys() []string {
	out := make([]string, len(ix.Keys))
	for i, k := range ix.Keys {
		out[i] = StorageName(k)
	}
	return out
}

// Equal reports whether two index descriptors name the same index.
func (ix Index) Equal(other Index) bool { return ix.Name == other.Name }
