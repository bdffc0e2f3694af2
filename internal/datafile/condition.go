package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Condition is a node of a boolean expression over context attributes. The
// set of implementations is closed: [PlainCondition], [AndCondition],
// [OrCondition], [NotCondition] and [Everyone].
type Condition interface {
	isCondition()
}

// Operator names a comparison applied by a [PlainCondition].
type Operator string

const (
	OperatorEquals    Operator = "equals"
	OperatorNotEquals Operator = "notEquals"
	OperatorExists    Operator = "exists"
	OperatorNotExists Operator = "notExists"

	OperatorGreaterThan        Operator = "greaterThan"
	OperatorGreaterThanOrEqual Operator = "greaterThanOrEquals"
	OperatorLessThan           Operator = "lessThan"
	OperatorLessThanOrEqual    Operator = "lessThanOrEquals"

	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "notContains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"

	OperatorSemverEquals             Operator = "semverEquals"
	OperatorSemverNotEquals          Operator = "semverNotEquals"
	OperatorSemverGreaterThan        Operator = "semverGreaterThan"
	OperatorSemverGreaterThanOrEqual Operator = "semverGreaterThanOrEquals"
	OperatorSemverLessThan           Operator = "semverLessThan"
	OperatorSemverLessThanOrEqual    Operator = "semverLessThanOrEquals"

	OperatorBefore Operator = "before"
	OperatorAfter  Operator = "after"

	OperatorIncludes    Operator = "includes"
	OperatorNotIncludes Operator = "notIncludes"

	OperatorMatches    Operator = "matches"
	OperatorNotMatches Operator = "notMatches"

	OperatorIn    Operator = "in"
	OperatorNotIn Operator = "notIn"
)

// PlainCondition compares one context attribute against a literal value.
type PlainCondition struct {
	Attribute  string   `json:"attribute"`
	Operator   Operator `json:"operator"`
	Value      any      `json:"value,omitempty"`
	RegexFlags string   `json:"regexFlags,omitempty"`
}

type AndCondition struct {
	And []Condition `json:"and"`
}

type OrCondition struct {
	Or []Condition `json:"or"`
}

// NotCondition matches when its children, taken together as an "and", do not.
type NotCondition struct {
	Not []Condition `json:"not"`
}

// Everyone is the literal "*" condition.
type Everyone struct{}

func (PlainCondition) isCondition() {}
func (AndCondition) isCondition()   {}
func (OrCondition) isCondition()    {}
func (NotCondition) isCondition()   {}
func (Everyone) isCondition()       {}

func (Everyone) MarshalJSON() ([]byte, error) {
	return []byte(`"*"`), nil
}

// ParseCondition decodes a condition tree. A JSON string holding an encoded
// tree is accepted; a top-level array is treated as an "and" of its items.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return AndCondition{}, nil
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: condition: %v", ErrInvalidDatafile, err)
		}
		if text == "*" {
			return Everyone{}, nil
		}
		return ParseCondition(json.RawMessage(text))
	case '[':
		children, err := parseConditionList(raw)
		if err != nil {
			return nil, err
		}
		return AndCondition{And: children}, nil
	case '{':
		return parseConditionObject(raw)
	default:
		return nil, fmt.Errorf("%w: condition must be an object, array or string, got %s", ErrInvalidDatafile, truncate(raw))
	}
}

func parseConditionList(raw json.RawMessage) ([]Condition, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: condition list: %v", ErrInvalidDatafile, err)
	}

	conditions := make([]Condition, 0, len(items))
	for _, item := range items {
		condition, err := ParseCondition(item)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}

	return conditions, nil
}

func parseConditionObject(raw json.RawMessage) (Condition, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: condition: %v", ErrInvalidDatafile, err)
	}

	if children, ok := fields["and"]; ok {
		list, err := parseConditionList(children)
		if err != nil {
			return nil, err
		}
		return AndCondition{And: list}, nil
	}
	if children, ok := fields["or"]; ok {
		list, err := parseConditionList(children)
		if err != nil {
			return nil, err
		}
		return OrCondition{Or: list}, nil
	}
	if children, ok := fields["not"]; ok {
		list, err := parseConditionList(children)
		if err != nil {
			return nil, err
		}
		return NotCondition{Not: list}, nil
	}

	var plain PlainCondition
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("%w: condition: %v", ErrInvalidDatafile, err)
	}
	if plain.Attribute == "" || plain.Operator == "" {
		return nil, fmt.Errorf("%w: condition requires attribute and operator, got %s", ErrInvalidDatafile, truncate(raw))
	}

	return plain, nil
}

func truncate(raw []byte) string {
	const limit = 64
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
