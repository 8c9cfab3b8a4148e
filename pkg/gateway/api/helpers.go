package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/object-gateway/pkg/gateway"
)

// readBody reads the whole request body up to maxBodyBytes
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, invalid(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return nil, fmt.Errorf("%w: failed to read request body: %v", gateway.ErrIO, err)
	}
	return data, nil
}

// parseCustom decodes a JSON object of custom metadata
func parseCustom(raw []byte) (map[string]any, error) {
	var custom map[string]any
	if err := json.Unmarshal(raw, &custom); err != nil {
		return nil, fmt.Errorf("%w: custom metadata must be a JSON object: %v", gateway.ErrInvalidMetadata, err)
	}
	return custom, nil
}

// secondsParam parses a positive number of seconds from the query
func secondsParam(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, invalid(fmt.Sprintf("invalid %s parameter", name))
	}
	return time.Duration(n) * time.Second, nil
}

func parseUUID(value, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, invalid(fmt.Sprintf("invalid %s", name))
	}
	return id, nil
}

func baseName(key string) string {
	return path.Base(key)
}
