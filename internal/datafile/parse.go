package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	SchemaVersion1 = "1"
	SchemaVersion2 = "2"
)

type rawDatafile struct {
	SchemaVersion json.RawMessage `json:"schemaVersion"`
	Revision      json.RawMessage `json:"revision"`
	Attributes    json.RawMessage `json:"attributes"`
	Segments      json.RawMessage `json:"segments"`
	Features      json.RawMessage `json:"features"`
	Schemas       json.RawMessage `json:"schemas"`
}

// Parse decodes datafile content of either schema version into the
// map-based model.
func Parse(content []byte) (*Datafile, error) {
	var raw rawDatafile
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatafile, err)
	}

	version, err := scalarString(raw.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: schemaVersion: %v", ErrInvalidDatafile, err)
	}
	if version != SchemaVersion1 && version != SchemaVersion2 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchemaVersion, version)
	}

	revision, err := scalarString(raw.Revision)
	if err != nil {
		return nil, fmt.Errorf("%w: revision: %v", ErrInvalidDatafile, err)
	}

	df := &Datafile{SchemaVersion: version, Revision: revision}

	if df.Attributes, err = decodeKeyed(raw.Attributes, func(a *Attribute) *string { return &a.Key }); err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	if df.Segments, err = decodeKeyed(raw.Segments, func(s *Segment) *string { return &s.Key }); err != nil {
		return nil, fmt.Errorf("segments: %w", err)
	}
	if df.Features, err = decodeKeyed(raw.Features, func(f *Feature) *string { return &f.Key }); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	if isPresent(raw.Schemas) {
		if err := json.Unmarshal(raw.Schemas, &df.Schemas); err != nil {
			return nil, fmt.Errorf("%w: schemas: %v", ErrInvalidDatafile, err)
		}
	}

	return df, nil
}

// scalarString accepts a JSON string or number. Revisions are commonly
// written as bare numbers.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if !isPresent(raw) {
		return "", nil
	}

	if raw[0] == '"' {
		var text string
		err := json.Unmarshal(raw, &text)
		return text, err
	}

	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return "", err
	}
	return number.String(), nil
}

// decodeKeyed reads either an array of keyed objects or a key-indexed map.
// Map entries missing a key take the map key.
func decodeKeyed[T any](raw json.RawMessage, keyOf func(*T) *string) (map[string]*T, error) {
	raw = bytes.TrimSpace(raw)
	out := make(map[string]*T)
	if !isPresent(raw) {
		return out, nil
	}

	if raw[0] == '[' {
		var items []*T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDatafile, err)
		}
		for i, item := range items {
			if item == nil {
				continue
			}
			key := *keyOf(item)
			if key == "" {
				return nil, fmt.Errorf("%w: entry %d has no key", ErrInvalidDatafile, i)
			}
			if _, exists := out[key]; exists {
				return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidDatafile, key)
			}
			out[key] = item
		}
		return out, nil
	}

	var items map[string]*T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatafile, err)
	}
	for key, item := range items {
		if item == nil {
			continue
		}
		if k := keyOf(item); *k == "" {
			*k = key
		}
		out[key] = item
	}

	return out, nil
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	type feature Feature
	var decoded struct {
		feature
		VariablesSchema json.RawMessage `json:"variablesSchema"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("feature: %w", err)
	}

	*f = Feature(decoded.feature)
	schema, err := decodeKeyed(decoded.VariablesSchema, func(v *VariableSchema) *string { return &v.Key })
	if err != nil {
		return fmt.Errorf("feature %q variablesSchema: %w", f.Key, err)
	}
	if len(schema) > 0 {
		f.VariablesSchema = schema
	}

	return nil
}

// legacyVariable is the array entry shape of variation variables in schema
// version 1.
type legacyVariable struct {
	Key       string             `json:"key"`
	Value     any                `json:"value"`
	Overrides []VariableOverride `json:"overrides"`
}

func (v *Variation) UnmarshalJSON(data []byte) error {
	type variation Variation
	var decoded struct {
		variation
		Variables json.RawMessage `json:"variables"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("variation: %w", err)
	}

	*v = Variation(decoded.variation)
	raw := bytes.TrimSpace(decoded.Variables)
	if !isPresent(raw) {
		return nil
	}

	if raw[0] != '[' {
		if err := json.Unmarshal(raw, &v.Variables); err != nil {
			return fmt.Errorf("%w: variation %q variables: %v", ErrInvalidDatafile, v.Value, err)
		}
		return nil
	}

	var legacy []legacyVariable
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("%w: variation %q variables: %v", ErrInvalidDatafile, v.Value, err)
	}

	v.Variables = make(map[string]any, len(legacy))
	for _, variable := range legacy {
		v.Variables[variable.Key] = variable.Value
		if len(variable.Overrides) == 0 {
			continue
		}
		if v.VariableOverrides == nil {
			v.VariableOverrides = make(map[string][]VariableOverride)
		}
		v.VariableOverrides[variable.Key] = append(v.VariableOverrides[variable.Key], variable.Overrides...)
	}

	return nil
}
