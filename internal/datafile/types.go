// Package datafile holds the in-memory model of a datafile and decodes both
// on-disk shapes into it.
//
// Schema version "1" stores attributes, segments, features and variables
// schemas as arrays of objects carrying a "key" field. Schema version "2" stores
// them as key-indexed maps. [Parse] normalizes either shape into [Datafile];
// nothing outside this package needs to know which shape was read.
package datafile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDatafile          = errors.New("invalid datafile")
	ErrUnsupportedSchemaVersion = errors.New("unsupported datafile schema version")
)

// Context is the flat attribute map supplied with every evaluation.
type Context map[string]any

// Datafile is the normalized, map-based datafile model.
type Datafile struct {
	SchemaVersion string                  `json:"schemaVersion"`
	Revision      string                  `json:"revision"`
	Attributes    map[string]*Attribute   `json:"attributes"`
	Segments      map[string]*Segment     `json:"segments"`
	Features      map[string]*Feature     `json:"features"`
	Schemas       map[string]*ValueSchema `json:"schemas,omitempty"`
}

type Attribute struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Capture     bool   `json:"capture,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
	Description string `json:"description,omitempty"`
}

// Feature is a single feature definition.
type Feature struct {
	Key                    string                     `json:"key"`
	Hash                   string                     `json:"hash,omitempty"`
	Deprecated             bool                       `json:"deprecated,omitempty"`
	BucketBy               BucketBy                   `json:"bucketBy"`
	Required               []Required                 `json:"required,omitempty"`
	VariablesSchema        map[string]*VariableSchema `json:"variablesSchema,omitempty"`
	Variations             []*Variation               `json:"variations,omitempty"`
	DisabledVariationValue string                     `json:"disabledVariationValue,omitempty"`
	Traffic                []*Traffic                 `json:"traffic"`
	Force                  []*Force                   `json:"force,omitempty"`
	Ranges                 []Range                    `json:"ranges,omitempty"`
}

// Variation returns the variation with the given value, or nil.
func (f *Feature) Variation(value string) *Variation {
	for _, variation := range f.Variations {
		if variation.Value == value {
			return variation
		}
	}

	return nil
}

// BucketByKind tags the shape a feature's bucketBy was declared with.
type BucketByKind int

const (
	BucketByInvalid BucketByKind = iota
	BucketByPlain
	BucketByAnd
	BucketByOr
)

// BucketBy names the context attributes a feature buckets on. An unrecognised
// shape decodes as [BucketByInvalid] rather than failing the datafile, so the
// problem surfaces when the feature is evaluated.
type BucketBy struct {
	Kind       BucketByKind
	Attributes []string
}

func (b *BucketBy) UnmarshalJSON(data []byte) error {
	*b = BucketBy{}

	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		b.Kind = BucketByPlain
		b.Attributes = []string{plain}
		return nil
	}

	var and []string
	if err := json.Unmarshal(data, &and); err == nil {
		b.Kind = BucketByAnd
		b.Attributes = and
		return nil
	}

	var or struct {
		Or []string `json:"or"`
	}
	if err := json.Unmarshal(data, &or); err == nil && or.Or != nil {
		b.Kind = BucketByOr
		b.Attributes = or.Or
		return nil
	}

	return nil
}

func (b BucketBy) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BucketByPlain:
		if len(b.Attributes) == 1 {
			return json.Marshal(b.Attributes[0])
		}
	case BucketByAnd:
		return json.Marshal(b.Attributes)
	case BucketByOr:
		return json.Marshal(map[string][]string{"or": b.Attributes})
	}

	return []byte("null"), nil
}

// Required is a dependency on another feature, optionally pinned to one of
// its variations.
type Required struct {
	Key       string `json:"key"`
	Variation string `json:"variation,omitempty"`
}

func (r *Required) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*r = Required{Key: key}
		return nil
	}

	type required Required
	var decoded required
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: required entry: %v", ErrInvalidDatafile, err)
	}
	*r = Required(decoded)
	return nil
}

// Range is a half-open [start, end) slot of the bucket space.
type Range [2]int

// Contains reports whether value falls inside the half-open range.
func (r Range) Contains(value int) bool {
	return value >= r[0] && value < r[1]
}

type Allocation struct {
	Variation string `json:"variation"`
	Range     Range  `json:"range"`
}

// Contains reports whether value falls inside the allocation. Both bounds are
// inclusive.
func (a Allocation) Contains(value int) bool {
	return a.Range[0] <= value && a.Range[1] >= value
}

// Traffic is one ordered rollout rule of a feature.
type Traffic struct {
	Key        string         `json:"key"`
	Segments   GroupSegment   `json:"segments"`
	Percentage int            `json:"percentage"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Variation  string         `json:"variation,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Allocation []Allocation   `json:"allocation,omitempty"`
}

func (t *Traffic) UnmarshalJSON(data []byte) error {
	type traffic Traffic
	var decoded struct {
		traffic
		Segments json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: traffic: %v", ErrInvalidDatafile, err)
	}

	segments, err := ParseGroupSegment(decoded.Segments)
	if err != nil {
		return fmt.Errorf("traffic %q: %w", decoded.Key, err)
	}

	*t = Traffic(decoded.traffic)
	t.Segments = segments
	return nil
}

// Force is a condition or segment gated override. At most one of Conditions
// and Segments is normally set; a rule with neither never matches.
type Force struct {
	Conditions Condition      `json:"conditions,omitempty"`
	Segments   GroupSegment   `json:"segments,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
	Variation  string         `json:"variation,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
}

func (f *Force) UnmarshalJSON(data []byte) error {
	type force Force
	var decoded struct {
		force
		Conditions json.RawMessage `json:"conditions"`
		Segments   json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: force: %v", ErrInvalidDatafile, err)
	}

	*f = Force(decoded.force)
	return decodeTargeting(decoded.Conditions, decoded.Segments, &f.Conditions, &f.Segments)
}

type Variation struct {
	Description       string                        `json:"description,omitempty"`
	Value             string                        `json:"value"`
	Weight            float64                       `json:"weight,omitempty"`
	Variables         map[string]any                `json:"variables,omitempty"`
	VariableOverrides map[string][]VariableOverride `json:"variableOverrides,omitempty"`
}

// VariableOverride replaces a variable's value inside a variation when its
// conditions or segments match.
type VariableOverride struct {
	Conditions Condition    `json:"conditions,omitempty"`
	Segments   GroupSegment `json:"segments,omitempty"`
	Value      any          `json:"value"`
}

func (o *VariableOverride) UnmarshalJSON(data []byte) error {
	var decoded struct {
		Conditions json.RawMessage `json:"conditions"`
		Segments   json.RawMessage `json:"segments"`
		Value      any             `json:"value"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: variable override: %v", ErrInvalidDatafile, err)
	}

	*o = VariableOverride{Value: decoded.Value}
	return decodeTargeting(decoded.Conditions, decoded.Segments, &o.Conditions, &o.Segments)
}

func decodeTargeting(rawConditions, rawSegments json.RawMessage, conditions *Condition, segments *GroupSegment) error {
	if isPresent(rawConditions) {
		parsed, err := ParseCondition(rawConditions)
		if err != nil {
			return err
		}
		*conditions = parsed
	}

	if isPresent(rawSegments) {
		parsed, err := ParseGroupSegment(rawSegments)
		if err != nil {
			return err
		}
		*segments = parsed
	}

	return nil
}

func isPresent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

// VariableType is the declared type of a variable.
type VariableType string

const (
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeString  VariableType = "string"
	VariableTypeInteger VariableType = "integer"
	VariableTypeDouble  VariableType = "double"
	VariableTypeArray   VariableType = "array"
	VariableTypeObject  VariableType = "object"
	VariableTypeJSON    VariableType = "json"
)

// ValueSchema describes the shape of a variable value. Schema references a
// named entry of [Datafile.Schemas].
type ValueSchema struct {
	Type                 string                  `json:"type,omitempty"`
	Properties           map[string]*ValueSchema `json:"properties,omitempty"`
	Required             []string                `json:"required,omitempty"`
	AdditionalProperties *AdditionalProperties   `json:"additionalProperties,omitempty"`
	Items                *ValueSchema            `json:"items,omitempty"`
	OneOf                []*ValueSchema          `json:"oneOf,omitempty"`
	Schema               string                  `json:"schema,omitempty"`
}

// IsRequired reports whether property is listed in the schema's required list.
func (s *ValueSchema) IsRequired(property string) bool {
	for _, name := range s.Required {
		if name == property {
			return true
		}
	}
	return false
}

// AdditionalProperties is either a boolean or a schema for unlisted keys.
type AdditionalProperties struct {
	Allowed bool
	Schema  *ValueSchema
}

func (a *AdditionalProperties) UnmarshalJSON(data []byte) error {
	var allowed bool
	if err := json.Unmarshal(data, &allowed); err == nil {
		*a = AdditionalProperties{Allowed: allowed}
		return nil
	}

	var schema ValueSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("%w: additionalProperties: %v", ErrInvalidDatafile, err)
	}
	*a = AdditionalProperties{Allowed: true, Schema: &schema}
	return nil
}

func (a AdditionalProperties) MarshalJSON() ([]byte, error) {
	if a.Schema != nil {
		return json.Marshal(a.Schema)
	}
	return json.Marshal(a.Allowed)
}

// VariableSchema declares one variable of a feature.
type VariableSchema struct {
	ValueSchema

	Key                    string       `json:"key,omitempty"`
	Type                   VariableType `json:"type"`
	Description            string       `json:"description,omitempty"`
	Deprecated             bool         `json:"deprecated,omitempty"`
	DefaultValue           any          `json:"defaultValue"`
	UseDefaultWhenDisabled bool         `json:"useDefaultWhenDisabled,omitempty"`
	DisabledValue          any          `json:"disabledValue,omitempty"`
	HasDisabledValue       bool         `json:"-"`
}

func (v *VariableSchema) UnmarshalJSON(data []byte) error {
	type variableSchema VariableSchema
	var decoded struct {
		variableSchema
		DisabledValue json.RawMessage `json:"disabledValue"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: variable schema: %v", ErrInvalidDatafile, err)
	}

	*v = VariableSchema(decoded.variableSchema)
	v.ValueSchema.Type = string(v.Type)
	if len(decoded.DisabledValue) > 0 {
		if err := json.Unmarshal(decoded.DisabledValue, &v.DisabledValue); err != nil {
			return fmt.Errorf("%w: disabledValue: %v", ErrInvalidDatafile, err)
		}
		v.HasDisabledValue = true
	}

	return nil
}
