package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// DefaultPrefix is the key namespace for cached results.
const DefaultPrefix = "creation"

// Fingerprint derives the cache key for a (creation kind, input) pair,
// e.g. creation:movie_poster:<32 hex digits>.
func Fingerprint(prefix, kind string, input []byte) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	h := xxh3.New()
	// length prefix keeps ("ab","c") and ("a","bc") apart
	h.Write(binary.LittleEndian.AppendUint64(nil, uint64(len(kind))))
	h.Write([]byte(kind))
	h.Write(input)
	sum := h.Sum128()
	return fmt.Sprintf("%s:%s:%016x%016x", prefix, kind, sum.Hi, sum.Lo)
}
