package store

import (
	"fmt"
	"strconv"
	"time"
)

// Hash field names used for every stored key.
const (
	fieldValue     = "value"
	fieldUpdatedAt = "updated_at_ms"
)

// entryToHash converts a value and write time to Redis hash fields.
func entryToHash(value string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		fieldValue:     value,
		fieldUpdatedAt: strconv.FormatInt(at.UnixMilli(), 10),
	}
}

// hashToEntry converts Redis hash fields back to an Entry.
func hashToEntry(key Key, hash map[string]string) (*Entry, error) {
	value, ok := hash[fieldValue]
	if !ok {
		return nil, fmt.Errorf("missing %q field", fieldValue)
	}

	rawAt, ok := hash[fieldUpdatedAt]
	if !ok {
		return nil, fmt.Errorf("missing %q field", fieldUpdatedAt)
	}
	ms, err := strconv.ParseInt(rawAt, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %q field: %w", fieldUpdatedAt, err)
	}

	return &Entry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.UnixMilli(ms),
	}, nil
}

// FormatFloat renders a sample value the way status values are stored.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
