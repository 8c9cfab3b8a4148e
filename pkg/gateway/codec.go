package gateway

import (
	"encoding/json"
	"fmt"
)

// EncodeMetadata serializes a record for sidecar, column or value storage.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata for %s: %v", ErrSerialization, m.Key, err)
	}
	return b, nil
}

// DecodeMetadata parses a record written by EncodeMetadata.
func DecodeMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrSerialization, err)
	}
	if m.Custom == nil {
		m.Custom = map[string]any{}
	}
	return &m, nil
}
