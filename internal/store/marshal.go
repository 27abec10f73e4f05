package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// toMicros converts a timestamp to stored unix microseconds. Zero stays 0.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

// fromMicros is the inverse of toMicros.
func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func fromMicrosPtr(us sql.NullInt64) *time.Time {
	if !us.Valid || us.Int64 == 0 {
		return nil
	}
	t := fromMicros(us.Int64)
	return &t
}

// marshalPayload converts a payload to JSON TEXT with RFC 8785 key order.
func marshalPayload(p model.Object) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := p.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses JSON TEXT into a payload.
// model.Object decodes numbers through json.Number, so large integers keep
// their precision.
func unmarshalPayload(data string) (model.Object, error) {
	if data == "" || data == "{}" {
		return model.Object{}, nil
	}
	var obj model.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
