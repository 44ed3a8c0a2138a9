package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/estuarydb/estuary/internal/record"
)

// Field maps are serialized with encoding/json, which sorts map keys; the
// stored blob is therefore deterministic for a given field map, which keeps
// dumps and golden comparisons stable.

func marshalFields(fields record.Fields) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(data string) (record.Fields, error) {
	var fields record.Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}
