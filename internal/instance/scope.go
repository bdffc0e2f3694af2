package instance

import (
	"fmt"
	"maps"
	"sort"
	"sync/atomic"

	"github.com/matt-riley/flagbase/internal/core"
	"github.com/matt-riley/flagbase/internal/datafile"
	"github.com/matt-riley/flagbase/internal/mutation"
)

// scope holds what differs between an Instance and its children: the
// context and the sticky features. Both are replaced wholesale.
type scope struct {
	root    *Instance
	parent  *scope
	context atomic.Pointer[datafile.Context]
	sticky  atomic.Pointer[core.StickyFeatures]
}

// FeatureEvaluation is one entry of GetAllEvaluations.
type FeatureEvaluation struct {
	Enabled   bool           `json:"enabled"`
	Variation *string        `json:"variation,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// SetContext merges ctx into the scope context, or replaces it when replace
// is true.
func (s *scope) SetContext(ctx datafile.Context, replace bool) {
	s.setContext(ctx, replace)
}

func (s *scope) setContext(ctx datafile.Context, replace bool) {
	for {
		current := s.context.Load()
		var next datafile.Context
		if replace || current == nil {
			next = cloneContext(ctx)
		} else {
			next = current.Merge(cloneContext(ctx))
		}
		if s.context.CompareAndSwap(current, &next) {
			return
		}
	}
}

// GetContext returns a copy of the effective context: the parent's, then
// this scope's, then ctx.
func (s *scope) GetContext(ctx datafile.Context) datafile.Context {
	var merged datafile.Context
	if s.parent != nil {
		merged = s.parent.GetContext(nil)
	}
	if own := s.context.Load(); own != nil {
		merged = merged.Merge(*own)
	}
	return cloneContext(merged.Merge(ctx))
}

// SetStickyFeatures replaces the sticky features.
func (s *scope) SetStickyFeatures(sticky core.StickyFeatures) {
	next := maps.Clone(sticky)
	s.sticky.Store(&next)
}

func (s *scope) stickyFeatures() core.StickyFeatures {
	var merged core.StickyFeatures
	if s.parent != nil {
		merged = s.parent.stickyFeatures()
	}
	own := s.sticky.Load()
	if own == nil || len(*own) == 0 {
		return merged
	}
	if len(merged) == 0 {
		return *own
	}
	merged = maps.Clone(merged)
	maps.Copy(merged, *own)
	return merged
}

// Evaluate runs req with the scope's context and sticky features applied.
// It never panics; a recovered panic is reported with reason error.
func (s *scope) Evaluate(req core.Request) (out core.Evaluation) {
	i := s.root
	if req.Type == "" {
		req.Type = core.TypeFlag
	}

	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("evaluation panicked", "feature", req.FeatureKey, "type", string(req.Type), "panic", r)
			out = core.Evaluation{
				Type:        req.Type,
				FeatureKey:  req.FeatureKey,
				VariableKey: req.VariableKey,
				Reason:      core.ReasonError,
				Err:         fmt.Errorf("evaluation panicked: %v", r),
			}
		}
		i.recorder.ObserveEvaluation(string(out.Type), string(out.Reason))
	}()

	req.Context = s.GetContext(req.Context)
	if i.intercept != nil {
		req.Context = i.intercept(req.Context)
	}
	if req.Sticky == nil {
		req.Sticky = s.stickyFeatures()
	}

	snap := i.snap.Load()
	if snap == nil {
		if initial, ok := i.initialEvaluation(req); ok {
			return initial
		}
		out = core.Evaluation{Type: req.Type, FeatureKey: req.FeatureKey, Reason: core.ReasonFeatureNotFound}
		if req.Type == core.TypeVariable {
			out.VariableKey = req.VariableKey
		}
		return out
	}

	out = snap.evaluator.Evaluate(req)
	out.VariableValue = mutation.Clone(out.VariableValue)
	return out
}

func (i *Instance) initialEvaluation(req core.Request) (core.Evaluation, bool) {
	feature, ok := i.initial[req.FeatureKey]
	if !ok {
		return core.Evaluation{}, false
	}

	out := core.Evaluation{Type: req.Type, FeatureKey: req.FeatureKey, Reason: core.ReasonInitial}
	switch req.Type {
	case core.TypeFlag:
		if feature.Enabled != nil {
			enabled := *feature.Enabled
			out.Enabled = &enabled
			return out, true
		}
	case core.TypeVariation:
		if feature.Variation != nil {
			variation := *feature.Variation
			out.VariationValue = &variation
			return out, true
		}
	case core.TypeVariable:
		out.VariableKey = req.VariableKey
		if value, ok := feature.Variables[req.VariableKey]; ok {
			out.VariableValue = mutation.Clone(value)
			return out, true
		}
	}
	return core.Evaluation{}, false
}

func (s *scope) EvaluateFlag(featureKey string, ctx datafile.Context) core.Evaluation {
	return s.Evaluate(core.Request{Type: core.TypeFlag, FeatureKey: featureKey, Context: ctx})
}

func (s *scope) EvaluateVariation(featureKey string, ctx datafile.Context) core.Evaluation {
	return s.Evaluate(core.Request{Type: core.TypeVariation, FeatureKey: featureKey, Context: ctx})
}

func (s *scope) EvaluateVariable(featureKey, variableKey string, ctx datafile.Context) core.Evaluation {
	return s.Evaluate(core.Request{Type: core.TypeVariable, FeatureKey: featureKey, VariableKey: variableKey, Context: ctx})
}

// IsEnabled reports whether the feature is on for ctx.
func (s *scope) IsEnabled(featureKey string, ctx datafile.Context) bool {
	ev := s.EvaluateFlag(featureKey, ctx)
	return ev.Err == nil && ev.IsEnabled()
}

// GetVariation returns the variation served for ctx. ok is false when the
// feature is unknown, has no variations, or nothing was served.
func (s *scope) GetVariation(featureKey string, ctx datafile.Context) (string, bool) {
	ev := s.EvaluateVariation(featureKey, ctx)
	if ev.Err != nil || ev.VariationValue == nil {
		return "", false
	}
	return *ev.VariationValue, true
}

// GetVariable returns a copy of the variable value for ctx.
func (s *scope) GetVariable(featureKey, variableKey string, ctx datafile.Context) (any, bool) {
	ev := s.EvaluateVariable(featureKey, variableKey, ctx)
	if !hasVariableValue(ev) {
		return nil, false
	}
	return ev.VariableValue, true
}

func hasVariableValue(ev core.Evaluation) bool {
	if ev.Err != nil {
		return false
	}
	switch ev.Reason {
	case core.ReasonFeatureNotFound, core.ReasonVariableNotFound, core.ReasonDisabled, core.ReasonError:
		return false
	}
	return true
}

// Activate evaluates the variation and reports it to activation listeners
// along with the attributes marked for capture.
func (s *scope) Activate(featureKey string, ctx datafile.Context) (string, bool) {
	i := s.root
	variation, ok := s.GetVariation(featureKey, ctx)
	if !ok {
		return "", false
	}

	effective := s.GetContext(ctx)
	captured := datafile.Context{}
	if reader := i.Reader(); reader != nil {
		for _, attr := range reader.Attributes() {
			if !attr.Capture {
				continue
			}
			if value, ok := effective[attr.Key]; ok {
				captured[attr.Key] = mutation.Clone(value)
			}
		}
	}

	i.emit(Event{
		Name:       EventActivation,
		Revision:   i.Revision(),
		FeatureKey: featureKey,
		Variation:  variation,
		Captured:   captured,
	})
	return variation, true
}

// GetAllEvaluations evaluates every listed feature, or every feature in the
// datafile when none are listed.
func (s *scope) GetAllEvaluations(ctx datafile.Context, featureKeys ...string) map[string]FeatureEvaluation {
	reader := s.root.Reader()
	if len(featureKeys) == 0 {
		if reader != nil {
			featureKeys = reader.FeatureKeys()
		} else {
			featureKeys = initialKeys(s.root.initial)
		}
	}

	all := make(map[string]FeatureEvaluation, len(featureKeys))
	for _, key := range featureKeys {
		entry := FeatureEvaluation{Enabled: s.IsEnabled(key, ctx)}
		if variation, ok := s.GetVariation(key, ctx); ok {
			entry.Variation = &variation
		}

		for _, variableKey := range variableKeys(s.root, reader, key) {
			if value, ok := s.GetVariable(key, variableKey, ctx); ok {
				if entry.Variables == nil {
					entry.Variables = make(map[string]any)
				}
				entry.Variables[variableKey] = value
			}
		}
		all[key] = entry
	}
	return all
}

func variableKeys(i *Instance, reader *datafile.Reader, featureKey string) []string {
	var keys []string
	if reader != nil {
		if feature := reader.Feature(featureKey); feature != nil {
			for key := range feature.VariablesSchema {
				keys = append(keys, key)
			}
		}
	} else if initial, ok := i.initial[featureKey]; ok {
		for key := range initial.Variables {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func initialKeys(initial core.StickyFeatures) []string {
	keys := make([]string, 0, len(initial))
	for key := range initial {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneContext(ctx datafile.Context) datafile.Context {
	if ctx == nil {
		return datafile.Context{}
	}
	cloned, _ := mutation.Clone(map[string]any(ctx)).(map[string]any)
	return cloned
}
