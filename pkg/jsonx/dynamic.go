package jsonx

import json "github.com/goccy/go-json"

// ToDynamicJSON converts any Go value to a dynamic JSON object represented
// as a map[string]any, by marshaling and unmarshaling through JSON.
func ToDynamicJSON(val any) (map[string]any, error) {
	result := make(map[string]any)
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return result, nil
}
