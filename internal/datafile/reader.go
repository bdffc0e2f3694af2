package datafile

import (
	"slices"
)

// Reader is a read-only view over one datafile snapshot. A refresh builds a
// new Reader rather than changing an existing one.
type Reader struct {
	df *Datafile
}

// NewReader wraps df. A nil df yields an empty reader.
func NewReader(df *Datafile) *Reader {
	if df == nil {
		df = &Datafile{}
	}
	return &Reader{df: df}
}

// ParseReader parses content and wraps the result.
func ParseReader(content []byte) (*Reader, error) {
	df, err := Parse(content)
	if err != nil {
		return nil, err
	}
	return NewReader(df), nil
}

func (r *Reader) Revision() string      { return r.df.Revision }
func (r *Reader) SchemaVersion() string { return r.df.SchemaVersion }

// Datafile returns the underlying model. Callers must not modify it.
func (r *Reader) Datafile() *Datafile { return r.df }

func (r *Reader) Feature(key string) *Feature {
	return r.df.Features[key]
}

func (r *Reader) Segment(key string) *Segment {
	return r.df.Segments[key]
}

func (r *Reader) Attribute(key string) *Attribute {
	return r.df.Attributes[key]
}

// Attributes returns every attribute ordered by key.
func (r *Reader) Attributes() []*Attribute {
	keys := make([]string, 0, len(r.df.Attributes))
	for key := range r.df.Attributes {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]*Attribute, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.df.Attributes[key])
	}
	return out
}

// FeatureKeys returns every feature key in lexical order.
func (r *Reader) FeatureKeys() []string {
	keys := make([]string, 0, len(r.df.Features))
	for key := range r.df.Features {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Schema returns a named value schema from the datafile's schemas map.
func (r *Reader) Schema(name string) *ValueSchema {
	return r.df.Schemas[name]
}
