package versioning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// VersionKey returns the physical key of one version: "{key}.v{version}.{version_id}".
func VersionKey(key string, version int, id uuid.UUID) string {
	return fmt.Sprintf("%s.v%d.%s", key, version, id)
}

// ParseVersionKey splits a physical version key. It only accepts keys of
// the exact VersionKey shape, so a base key "a" never claims "a.txt.v1.<id>".
func ParseVersionKey(physical string) (key string, version int, id uuid.UUID, ok bool) {
	// A canonical UUID string is 36 characters.
	const idLen = 36
	if len(physical) < idLen+4 {
		return "", 0, uuid.Nil, false
	}
	idPart := physical[len(physical)-idLen:]
	rest := physical[:len(physical)-idLen]
	if !strings.HasSuffix(rest, ".") {
		return "", 0, uuid.Nil, false
	}
	rest = rest[:len(rest)-1]

	parsed, err := uuid.Parse(idPart)
	if err != nil {
		return "", 0, uuid.Nil, false
	}

	dot := strings.LastIndex(rest, ".v")
	if dot <= 0 {
		return "", 0, uuid.Nil, false
	}
	digits := rest[dot+2:]
	if digits == "" || digits[0] == '0' || strings.TrimLeft(digits, "0123456789") != "" {
		return "", 0, uuid.Nil, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil || v < 1 {
		return "", 0, uuid.Nil, false
	}
	return rest[:dot], v, parsed, true
}

// isVersionOf reports whether physical is a version key of key.
func isVersionOf(physical, key string) bool {
	base, _, _, ok := ParseVersionKey(physical)
	return ok && base == key
}
