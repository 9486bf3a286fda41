package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"

	"github.com/cochaviz/kiln/arch"
)

// KeyLength is the number of hex characters in a cache key.
const KeyLength = 16

// Key derives the opaque cache key for one buildable combination. Map
// iteration order never affects the result.
func Key(fields map[string]any, scriptDigests []string, checksum string, a arch.Architecture) string {
	h := sha256.New()

	writeFields(h, fields)
	h.Write([]byte{0})
	for _, digest := range scriptDigests {
		h.Write([]byte(digest))
	}
	h.Write([]byte{0})
	h.Write([]byte(checksum))
	h.Write([]byte{0})
	h.Write([]byte(arch.Normalize(string(a))))

	return hex.EncodeToString(h.Sum(nil))[:KeyLength]
}

func writeFields(h hash.Hash, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write(encodeValue(fields[key]))
		h.Write([]byte{'\n'})
	}
}

// encodeValue relies on encoding/json sorting map keys at every depth.
func encodeValue(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", value))
	}
	return data
}
