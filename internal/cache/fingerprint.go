package cache

import (
	"encoding/json"
	"fmt"
)

// Fingerprint returns the canonical serialization of POST body parameters
// used as part of the cache key. encoding/json marshals map keys in sorted
// order, so identical payloads fingerprint equal regardless of key order.
func Fingerprint(body map[string]any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("fingerprint body: %w", err)
	}
	return string(data), nil
}
