package srs

import (
	"encoding/base64"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// NewGUID returns a short client GUID: a random UUID in URL-safe base64,
// trimmed to GUIDLength characters.
func NewGUID() string {
	id := uuid.New()
	encoded := base64.StdEncoding.EncodeToString(id[:])
	encoded = strings.NewReplacer("/", "_", "+", "-").Replace(encoded)
	return encoded[:GUIDLength]
}

// UnitID derives a stable unit id for a station so that restarts keep the
// same identity on the network.
func UnitID(base uint32, stationID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stationID))
	return base + h.Sum32()%1_000_000
}
