package datafile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Segment is a named, reusable condition tree. Its conditions may arrive as a
// JSON-encoded string; they are decoded once, on first use.
type Segment struct {
	Key         string
	Description string
	Archived    bool

	raw        json.RawMessage
	once       sync.Once
	conditions Condition
	err        error
}

// NewSegment returns a segment whose conditions are already decoded.
func NewSegment(key string, conditions Condition) *Segment {
	segment := &Segment{Key: key, conditions: conditions}
	segment.once.Do(func() {})
	return segment
}

// Conditions returns the decoded condition tree, decoding it on the first
// call. An undecodable tree is reported on every call.
func (s *Segment) Conditions() (Condition, error) {
	s.once.Do(func() {
		s.conditions, s.err = ParseCondition(s.raw)
		if s.err != nil {
			s.err = fmt.Errorf("segment %q: %w", s.Key, s.err)
		}
	})

	return s.conditions, s.err
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var decoded struct {
		Key         string          `json:"key"`
		Description string          `json:"description"`
		Archived    bool            `json:"archived"`
		Conditions  json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%w: segment: %v", ErrInvalidDatafile, err)
	}

	s.Key = decoded.Key
	s.Description = decoded.Description
	s.Archived = decoded.Archived
	s.raw = decoded.Conditions
	return nil
}

func (s *Segment) MarshalJSON() ([]byte, error) {
	conditions, err := s.Conditions()
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Key         string    `json:"key,omitempty"`
		Description string    `json:"description,omitempty"`
		Archived    bool      `json:"archived,omitempty"`
		Conditions  Condition `json:"conditions"`
	}{s.Key, s.Description, s.Archived, conditions})
}

// GroupSegment is a boolean expression over named segments. The set of
// implementations is closed: [SegmentKey], [AndSegments], [OrSegments],
// [NotSegments] and [AllSegments].
type GroupSegment interface {
	isGroupSegment()
}

// SegmentKey references a segment of the datafile by key.
type SegmentKey string

type AndSegments struct {
	And []GroupSegment `json:"and"`
}

type OrSegments struct {
	Or []GroupSegment `json:"or"`
}

// NotSegments matches when its children, taken together as an "and", do not.
type NotSegments struct {
	Not []GroupSegment `json:"not"`
}

// AllSegments is the literal "*", matching every context.
type AllSegments struct{}

func (SegmentKey) isGroupSegment()  {}
func (AndSegments) isGroupSegment() {}
func (OrSegments) isGroupSegment()  {}
func (NotSegments) isGroupSegment() {}
func (AllSegments) isGroupSegment() {}

func (AllSegments) MarshalJSON() ([]byte, error) {
	return []byte(`"*"`), nil
}

// ParseGroupSegment decodes a segment expression. Strings that look like
// encoded JSON arrays or objects are decoded; any other string is a segment
// key. A top-level array is an "and" of its items.
func ParseGroupSegment(raw json.RawMessage) (GroupSegment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: segments: %v", ErrInvalidDatafile, err)
		}
		if text == "*" {
			return AllSegments{}, nil
		}
		if trimmed := bytes.TrimSpace([]byte(text)); len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
			return ParseGroupSegment(trimmed)
		}
		return SegmentKey(text), nil
	case '[':
		children, err := parseGroupSegmentList(raw)
		if err != nil {
			return nil, err
		}
		return AndSegments{And: children}, nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: segments: %v", ErrInvalidDatafile, err)
		}
		if children, ok := fields["and"]; ok {
			list, err := parseGroupSegmentList(children)
			return AndSegments{And: list}, err
		}
		if children, ok := fields["or"]; ok {
			list, err := parseGroupSegmentList(children)
			return OrSegments{Or: list}, err
		}
		if children, ok := fields["not"]; ok {
			list, err := parseGroupSegmentList(children)
			return NotSegments{Not: list}, err
		}
		return nil, fmt.Errorf("%w: segments object needs and, or or not, got %s", ErrInvalidDatafile, truncate(raw))
	default:
		return nil, fmt.Errorf("%w: segments must be a string, array or object, got %s", ErrInvalidDatafile, truncate(raw))
	}
}

func parseGroupSegmentList(raw json.RawMessage) ([]GroupSegment, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: segments list: %v", ErrInvalidDatafile, err)
	}

	segments := make([]GroupSegment, 0, len(items))
	for _, item := range items {
		segment, err := ParseGroupSegment(item)
		if err != nil {
			return nil, err
		}
		if segment != nil {
			segments = append(segments, segment)
		}
	}

	return segments, nil
}
