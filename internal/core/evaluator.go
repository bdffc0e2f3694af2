package core

import (
	"fmt"
	"log/slog"

	"github.com/matt-riley/flagbase/internal/bucket"
	"github.com/matt-riley/flagbase/internal/datafile"
)

// Evaluator runs evaluation requests against one datafile snapshot. It holds
// no mutable state of its own and is safe for concurrent use.
type Evaluator struct {
	reader  *datafile.Reader
	matcher *Matcher
	logger  *slog.Logger
	hooks   Hooks
}

func NewEvaluator(reader *datafile.Reader, logger *slog.Logger, hooks Hooks) *Evaluator {
	if reader == nil {
		reader = datafile.NewReader(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		reader:  reader,
		matcher: NewMatcher(reader, logger),
		logger:  logger,
		hooks:   hooks,
	}
}

func (e *Evaluator) Reader() *datafile.Reader {
	return e.reader
}

func (e *Evaluator) Matcher() *Matcher {
	return e.matcher
}

// Evaluate runs the pipeline for req. Stages run in a fixed order and the
// first one that decides returns.
func (e *Evaluator) Evaluate(req Request) Evaluation {
	return e.evaluate(req, map[string]bool{})
}

// EvaluateFlag, EvaluateVariation and EvaluateVariable are shorthands for
// Evaluate.
func (e *Evaluator) EvaluateFlag(featureKey string, ctx datafile.Context, sticky StickyFeatures) Evaluation {
	return e.Evaluate(Request{Type: TypeFlag, FeatureKey: featureKey, Context: ctx, Sticky: sticky})
}

func (e *Evaluator) EvaluateVariation(featureKey string, ctx datafile.Context, sticky StickyFeatures) Evaluation {
	return e.Evaluate(Request{Type: TypeVariation, FeatureKey: featureKey, Context: ctx, Sticky: sticky})
}

func (e *Evaluator) EvaluateVariable(featureKey, variableKey string, ctx datafile.Context, sticky StickyFeatures) Evaluation {
	return e.Evaluate(Request{Type: TypeVariable, FeatureKey: featureKey, VariableKey: variableKey, Context: ctx, Sticky: sticky})
}

type evaluation struct {
	*Evaluator
	req     Request
	feature *datafile.Feature
	schema  *datafile.VariableSchema
	logger  *slog.Logger
	matcher *Matcher
	// visiting holds the features on the current required chain.
	visiting map[string]bool
}

func (e *Evaluator) evaluate(req Request, visiting map[string]bool) Evaluation {
	if req.Type == "" {
		req.Type = TypeFlag
	}

	feature := req.Feature
	if feature == nil {
		feature = e.reader.Feature(req.FeatureKey)
	} else if req.FeatureKey == "" {
		req.FeatureKey = feature.Key
	}

	logger := e.logger.With("feature", req.FeatureKey, "type", string(req.Type))
	if req.VariableKey != "" {
		logger = logger.With("variable", req.VariableKey)
	}

	run := &evaluation{
		Evaluator: e,
		req:       req,
		feature:   feature,
		logger:    logger,
		matcher:   e.matcher.withLogger(logger),
		visiting:  visiting,
	}

	result := run.pipeline()
	logger.Debug("feature evaluated", "reason", string(result.Reason))
	return result
}

func (r *evaluation) base(reason Reason) Evaluation {
	out := Evaluation{Type: r.req.Type, FeatureKey: r.req.FeatureKey, Reason: reason}
	if r.req.Type == TypeVariable {
		out.VariableKey = r.req.VariableKey
		out.VariableSchema = r.schema
	}
	return out
}

func (r *evaluation) pipeline() Evaluation {
	// not found
	if r.feature == nil {
		r.logger.Warn("feature not found")
		return r.base(ReasonFeatureNotFound)
	}
	if r.feature.Deprecated {
		r.logger.Warn("feature is deprecated")
	}

	switch r.req.Type {
	case TypeVariable:
		r.schema = r.feature.VariablesSchema[r.req.VariableKey]
		if r.schema == nil {
			r.logger.Warn("variable schema not found")
			return r.base(ReasonVariableNotFound)
		}
		if r.schema.Deprecated {
			r.logger.Warn("variable is deprecated")
		}
	case TypeVariation:
		if len(r.feature.Variations) == 0 {
			return r.base(ReasonNoVariations)
		}
	}

	// required
	if r.req.Type != TypeVariable && len(r.feature.Required) > 0 && !r.requiredAreEnabled() {
		out := r.base(ReasonRequired)
		out.Enabled = boolPtr(false)
		return out
	}

	// force
	force, forceIndex := r.matchedForce()
	if force != nil {
		if out, ok := r.forced(force, forceIndex); ok {
			return out
		}
	}

	// sticky
	if out, ok := r.sticky(); ok {
		return out
	}

	// disabled
	if r.req.Type != TypeFlag {
		flag := r.evaluate(Request{
			Type:       TypeFlag,
			FeatureKey: r.req.FeatureKey,
			Feature:    r.feature,
			Context:    r.req.Context,
			Sticky:     r.req.Sticky,
		}, r.visiting)
		if flag.Enabled != nil && !*flag.Enabled {
			return r.disabled()
		}
	}

	// bucketing
	bucketKey, err := bucket.Key(r.req.FeatureKey, r.feature.BucketBy, r.req.Context)
	if err != nil {
		r.logger.Error("bucket key could not be computed", "error", err)
		out := r.base(ReasonError)
		out.Err = err
		return out
	}
	if r.hooks.BucketKey != nil {
		bucketKey = r.hooks.BucketKey(r.feature, r.req.Context, bucketKey)
	}
	bucketValue := bucket.Number(bucketKey)
	if r.hooks.BucketValue != nil {
		bucketValue = r.hooks.BucketValue(r.feature, r.req.Context, bucketKey, bucketValue)
	}

	traffic := r.matchedTraffic()
	withBucket := func(reason Reason) Evaluation {
		out := r.base(reason)
		out.BucketKey = bucketKey
		out.BucketValue = intPtr(bucketValue)
		if traffic != nil {
			out.RuleKey = traffic.Key
		}
		return out
	}

	var allocation *datafile.Allocation
	if traffic != nil {
		allocation = matchedAllocation(traffic, bucketValue)
	}

	switch r.req.Type {
	case TypeFlag:
		if traffic == nil {
			break
		}
		if traffic.Percentage == 0 {
			out := withBucket(ReasonRule)
			out.Enabled = boolPtr(false)
			return out
		}
		if len(r.feature.Ranges) > 0 {
			for _, slot := range r.feature.Ranges {
				if slot.Contains(bucketValue) {
					out := withBucket(ReasonAllocated)
					out.Enabled = boolPtr(traffic.Enabled == nil || *traffic.Enabled)
					return out
				}
			}
			out := withBucket(ReasonOutOfRange)
			out.Enabled = boolPtr(false)
			return out
		}
		if traffic.Enabled != nil {
			out := withBucket(ReasonRule)
			out.Enabled = boolPtr(*traffic.Enabled)
			return out
		}
		if bucketValue <= traffic.Percentage {
			out := withBucket(ReasonRule)
			out.Enabled = boolPtr(true)
			return out
		}

	case TypeVariation:
		if traffic == nil {
			break
		}
		if traffic.Variation != "" {
			if variation := r.feature.Variation(traffic.Variation); variation != nil {
				out := withBucket(ReasonRule)
				setVariation(&out, variation)
				return out
			}
			r.logger.Warn("rule variation not found", "rule", traffic.Key, "variation", traffic.Variation)
		}
		if allocation != nil {
			if variation := r.feature.Variation(allocation.Variation); variation != nil {
				out := withBucket(ReasonAllocated)
				setVariation(&out, variation)
				return out
			}
		}

	case TypeVariable:
		if traffic != nil {
			if value, ok := traffic.Variables[r.req.VariableKey]; ok {
				out := withBucket(ReasonRule)
				out.VariableValue = value
				return out
			}
		}

		if variation := r.servedVariation(force, traffic, allocation); variation != nil {
			for _, override := range variation.VariableOverrides[r.req.VariableKey] {
				if r.targetingMatches(override.Conditions, override.Segments) {
					out := withBucket(ReasonVariableOverride)
					out.VariableValue = override.Value
					return out
				}
			}
			if value, ok := variation.Variables[r.req.VariableKey]; ok {
				out := withBucket(ReasonAllocated)
				out.VariableValue = value
				return out
			}
		}
	}

	// nothing matched
	switch r.req.Type {
	case TypeVariable:
		out := withBucket(ReasonVariableDefault)
		out.VariableValue = r.schema.DefaultValue
		return out
	case TypeVariation:
		return withBucket(ReasonNoMatch)
	default:
		out := withBucket(ReasonNoMatch)
		out.Enabled = boolPtr(false)
		return out
	}
}

func (r *evaluation) requiredAreEnabled() bool {
	r.visiting[r.req.FeatureKey] = true
	defer delete(r.visiting, r.req.FeatureKey)

	for _, required := range r.feature.Required {
		if r.visiting[required.Key] {
			r.logger.Warn("required features form a cycle", "required", required.Key)
			return false
		}

		flag := r.evaluate(Request{Type: TypeFlag, FeatureKey: required.Key, Context: r.req.Context, Sticky: r.req.Sticky}, r.visiting)
		if !flag.IsEnabled() {
			return false
		}

		if required.Variation != "" {
			variation := r.evaluate(Request{Type: TypeVariation, FeatureKey: required.Key, Context: r.req.Context, Sticky: r.req.Sticky}, r.visiting)
			if variation.VariationString() != required.Variation {
				return false
			}
		}
	}

	return true
}

func (r *evaluation) matchedForce() (*datafile.Force, int) {
	for i, force := range r.feature.Force {
		if force != nil && r.targetingMatches(force.Conditions, force.Segments) {
			return force, i
		}
	}
	return nil, -1
}

// targetingMatches applies the conditions-or-segments rule shared by force
// entries and variable overrides. Neither set never matches.
func (r *evaluation) targetingMatches(conditions datafile.Condition, segments datafile.GroupSegment) bool {
	if conditions != nil && r.matcher.AllConditionsAreMatched(conditions, r.req.Context) {
		return true
	}
	if segments != nil && r.matcher.AllGroupSegmentsAreMatched(segments, r.req.Context) {
		return true
	}
	return false
}

func (r *evaluation) forced(force *datafile.Force, index int) (Evaluation, bool) {
	out := r.base(ReasonForced)
	out.ForceIndex = intPtr(index)

	switch r.req.Type {
	case TypeFlag:
		if force.Enabled != nil {
			out.Enabled = boolPtr(*force.Enabled)
			return out, true
		}
	case TypeVariation:
		if force.Variation != "" {
			if variation := r.feature.Variation(force.Variation); variation != nil {
				setVariation(&out, variation)
				return out, true
			}
			r.logger.Warn("forced variation not found", "variation", force.Variation)
		}
	case TypeVariable:
		if value, ok := force.Variables[r.req.VariableKey]; ok {
			out.VariableValue = value
			return out, true
		}
	}

	return Evaluation{}, false
}

func (r *evaluation) sticky() (Evaluation, bool) {
	sticky, ok := r.req.Sticky[r.req.FeatureKey]
	if !ok {
		return Evaluation{}, false
	}

	out := r.base(ReasonSticky)
	switch r.req.Type {
	case TypeFlag:
		if sticky.Enabled != nil {
			out.Enabled = boolPtr(*sticky.Enabled)
			return out, true
		}
	case TypeVariation:
		if sticky.Variation != nil {
			out.VariationValue = stringPtr(*sticky.Variation)
			out.Variation = r.feature.Variation(*sticky.Variation)
			return out, true
		}
	case TypeVariable:
		if value, ok := sticky.Variables[r.req.VariableKey]; ok {
			out.VariableValue = value
			return out, true
		}
	}

	return Evaluation{}, false
}

func (r *evaluation) disabled() Evaluation {
	out := r.base(ReasonDisabled)
	out.Enabled = boolPtr(false)

	switch r.req.Type {
	case TypeVariable:
		if r.schema.HasDisabledValue {
			out.Reason = ReasonVariableDisabled
			out.VariableValue = r.schema.DisabledValue
		} else if r.schema.UseDefaultWhenDisabled {
			out.Reason = ReasonVariableDefault
			out.VariableValue = r.schema.DefaultValue
		}
	case TypeVariation:
		if r.feature.DisabledVariationValue != "" {
			out.Reason = ReasonVariationDisabled
			out.VariationValue = stringPtr(r.feature.DisabledVariationValue)
			out.Variation = r.feature.Variation(r.feature.DisabledVariationValue)
		}
	}

	return out
}

func (r *evaluation) matchedTraffic() *datafile.Traffic {
	for _, traffic := range r.feature.Traffic {
		if traffic != nil && r.matcher.AllGroupSegmentsAreMatched(traffic.Segments, r.req.Context) {
			return traffic
		}
	}
	return nil
}

func matchedAllocation(traffic *datafile.Traffic, bucketValue int) *datafile.Allocation {
	for i := range traffic.Allocation {
		if traffic.Allocation[i].Contains(bucketValue) {
			return &traffic.Allocation[i]
		}
	}
	return nil
}

// servedVariation picks the variation whose variables apply: a matched force
// entry first, then the rule's fixed variation, then the allocation.
func (r *evaluation) servedVariation(force *datafile.Force, traffic *datafile.Traffic, allocation *datafile.Allocation) *datafile.Variation {
	if force != nil && force.Variation != "" {
		if variation := r.feature.Variation(force.Variation); variation != nil {
			return variation
		}
	}
	if traffic != nil && traffic.Variation != "" {
		if variation := r.feature.Variation(traffic.Variation); variation != nil {
			return variation
		}
	}
	if allocation != nil {
		return r.feature.Variation(allocation.Variation)
	}
	return nil
}

func setVariation(out *Evaluation, variation *datafile.Variation) {
	out.Variation = variation
	out.VariationValue = stringPtr(variation.Value)
}

// String renders the decision for logs.
func (e Evaluation) String() string {
	switch e.Type {
	case TypeVariation:
		return fmt.Sprintf("%s variation=%q reason=%s", e.FeatureKey, e.VariationString(), e.Reason)
	case TypeVariable:
		return fmt.Sprintf("%s.%s value=%v reason=%s", e.FeatureKey, e.VariableKey, e.VariableValue, e.Reason)
	default:
		return fmt.Sprintf("%s enabled=%t reason=%s", e.FeatureKey, e.IsEnabled(), e.Reason)
	}
}
