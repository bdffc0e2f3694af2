package core

import (
	"github.com/matt-riley/flagbase/internal/datafile"
)

// Type is what an evaluation request asks for.
type Type string

const (
	TypeFlag      Type = "flag"
	TypeVariation Type = "variation"
	TypeVariable  Type = "variable"
)

// Reason records which pipeline stage decided an evaluation.
type Reason string

const (
	ReasonFeatureNotFound   Reason = "feature_not_found"
	ReasonVariableNotFound  Reason = "variable_not_found"
	ReasonNoVariations      Reason = "no_variations"
	ReasonRequired          Reason = "required"
	ReasonForced            Reason = "forced"
	ReasonSticky            Reason = "sticky"
	ReasonInitial           Reason = "initial"
	ReasonDisabled          Reason = "disabled"
	ReasonVariationDisabled Reason = "variation_disabled"
	ReasonVariableDisabled  Reason = "variable_disabled"
	ReasonOutOfRange        Reason = "out_of_range"
	ReasonRule              Reason = "rule"
	ReasonAllocated         Reason = "allocated"
	ReasonVariableOverride  Reason = "variable_override"
	ReasonVariableDefault   Reason = "variable_default"
	ReasonNoMatch           Reason = "no_match"
	ReasonError             Reason = "error"
)

// StickyFeature is a caller-decided outcome for one feature.
type StickyFeature struct {
	Enabled   *bool          `json:"enabled,omitempty"`
	Variation *string        `json:"variation,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// StickyFeatures maps feature keys to pre-decided outcomes. It is replaced
// wholesale, never edited in place.
type StickyFeatures map[string]StickyFeature

type Request struct {
	Type        Type
	FeatureKey  string
	Feature     *datafile.Feature
	VariableKey string
	Context     datafile.Context
	Sticky      StickyFeatures
}

// Evaluation is the result of one request. Only the fields relevant to the
// deciding stage are set.
type Evaluation struct {
	Type           Type                     `json:"type"`
	FeatureKey     string                   `json:"featureKey"`
	Reason         Reason                   `json:"reason"`
	BucketKey      string                   `json:"bucketKey,omitempty"`
	BucketValue    *int                     `json:"bucketValue,omitempty"`
	RuleKey        string                   `json:"ruleKey,omitempty"`
	ForceIndex     *int                     `json:"forceIndex,omitempty"`
	Enabled        *bool                    `json:"enabled,omitempty"`
	Variation      *datafile.Variation      `json:"-"`
	VariationValue *string                  `json:"variationValue,omitempty"`
	VariableKey    string                   `json:"variableKey,omitempty"`
	VariableValue  any                      `json:"variableValue,omitempty"`
	VariableSchema *datafile.VariableSchema `json:"-"`
	Err            error                    `json:"-"`
}

// IsEnabled reports the flag outcome; an unset Enabled is false.
func (e Evaluation) IsEnabled() bool {
	return e.Enabled != nil && *e.Enabled
}

// VariationString returns the served variation value, or "" when none was.
func (e Evaluation) VariationString() string {
	if e.VariationValue == nil {
		return ""
	}
	return *e.VariationValue
}

// Hooks let a caller replace the computed bucket key or bucket value.
type Hooks struct {
	BucketKey   func(feature *datafile.Feature, ctx datafile.Context, key string) string
	BucketValue func(feature *datafile.Feature, ctx datafile.Context, key string, value int) int
}

func boolPtr(value bool) *bool {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func stringPtr(value string) *string {
	return &value
}
