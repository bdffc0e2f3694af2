package core

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// SegmentSource resolves named segments.
type SegmentSource interface {
	Segment(key string) *datafile.Segment
}

// Matcher evaluates condition trees and segment expressions against a
// context. A condition that cannot be applied to the value it finds never
// matches; the mismatch is logged at warn level.
type Matcher struct {
	segments SegmentSource
	logger   *slog.Logger
	regexes  *sync.Map
}

func NewMatcher(segments SegmentSource, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Matcher{segments: segments, logger: logger, regexes: &sync.Map{}}
}

func (m *Matcher) withLogger(logger *slog.Logger) *Matcher {
	clone := *m
	clone.logger = logger
	return &clone
}

// AllConditionsAreMatched reports whether condition matches ctx. A nil
// condition matches.
func (m *Matcher) AllConditionsAreMatched(condition datafile.Condition, ctx datafile.Context) bool {
	switch node := condition.(type) {
	case nil:
		return true
	case datafile.Everyone:
		return true
	case datafile.PlainCondition:
		return m.plainConditionMatches(node, ctx)
	case datafile.AndCondition:
		return m.allMatch(node.And, ctx)
	case datafile.OrCondition:
		for _, child := range node.Or {
			if m.AllConditionsAreMatched(child, ctx) {
				return true
			}
		}
		return false
	case datafile.NotCondition:
		if len(node.Not) == 0 {
			return true
		}
		return !m.allMatch(node.Not, ctx)
	default:
		m.logger.Warn("unknown condition node", "type", typeName(condition))
		return false
	}
}

func (m *Matcher) allMatch(conditions []datafile.Condition, ctx datafile.Context) bool {
	for _, child := range conditions {
		if !m.AllConditionsAreMatched(child, ctx) {
			return false
		}
	}
	return true
}

// AllGroupSegmentsAreMatched reports whether a segment expression matches
// ctx. A nil expression and an unknown segment key never match.
func (m *Matcher) AllGroupSegmentsAreMatched(group datafile.GroupSegment, ctx datafile.Context) bool {
	switch node := group.(type) {
	case nil:
		return false
	case datafile.AllSegments:
		return true
	case datafile.SegmentKey:
		return m.segmentMatches(string(node), ctx)
	case datafile.AndSegments:
		for _, child := range node.And {
			if !m.AllGroupSegmentsAreMatched(child, ctx) {
				return false
			}
		}
		return true
	case datafile.OrSegments:
		for _, child := range node.Or {
			if m.AllGroupSegmentsAreMatched(child, ctx) {
				return true
			}
		}
		return false
	case datafile.NotSegments:
		if len(node.Not) == 0 {
			return true
		}
		return !m.AllGroupSegmentsAreMatched(datafile.AndSegments{And: node.Not}, ctx)
	default:
		m.logger.Warn("unknown segment node", "type", typeName(group))
		return false
	}
}

func (m *Matcher) segmentMatches(key string, ctx datafile.Context) bool {
	if m.segments == nil {
		return false
	}

	segment := m.segments.Segment(key)
	if segment == nil {
		m.logger.Warn("segment not found", "segment", key)
		return false
	}

	conditions, err := segment.Conditions()
	if err != nil {
		m.logger.Warn("segment conditions could not be parsed", "segment", key, "error", err)
		return false
	}

	return m.AllConditionsAreMatched(conditions, ctx)
}

func (m *Matcher) plainConditionMatches(condition datafile.PlainCondition, ctx datafile.Context) bool {
	actual, present := ctx.Value(condition.Attribute)

	switch condition.Operator {
	case datafile.OperatorExists:
		return present
	case datafile.OperatorNotExists:
		return !present
	case datafile.OperatorEquals:
		return present && valuesEqual(actual, condition.Value)
	case datafile.OperatorNotEquals:
		return !present || !valuesEqual(actual, condition.Value)
	}

	if !present {
		return false
	}

	switch condition.Operator {
	case datafile.OperatorIn, datafile.OperatorNotIn:
		if !isList(condition.Value) || !isScalar(actual) {
			return m.mismatch(condition, actual)
		}
		found := valueIn(actual, condition.Value)
		if condition.Operator == datafile.OperatorIn {
			return found
		}
		return !found

	case datafile.OperatorIncludes, datafile.OperatorNotIncludes:
		needle, ok := condition.Value.(string)
		if !ok || !isList(actual) {
			return m.mismatch(condition, actual)
		}
		found := listContainsString(actual, needle)
		if condition.Operator == datafile.OperatorIncludes {
			return found
		}
		return !found

	case datafile.OperatorGreaterThan, datafile.OperatorGreaterThanOrEqual,
		datafile.OperatorLessThan, datafile.OperatorLessThanOrEqual:
		left, leftOK := asNumber(actual)
		right, rightOK := asNumber(condition.Value)
		if !leftOK || !rightOK {
			return m.mismatch(condition, actual)
		}
		return compareOrdered(condition.Operator, left, right)

	case datafile.OperatorBefore, datafile.OperatorAfter:
		left, leftOK := asTime(actual)
		right, rightOK := asTime(condition.Value)
		if !leftOK || !rightOK {
			return m.mismatch(condition, actual)
		}
		if condition.Operator == datafile.OperatorBefore {
			return left.Before(right)
		}
		return left.After(right)
	}

	left, leftOK := actual.(string)
	right, rightOK := condition.Value.(string)
	if !leftOK || !rightOK {
		return m.mismatch(condition, actual)
	}

	switch condition.Operator {
	case datafile.OperatorContains:
		return strings.Contains(left, right)
	case datafile.OperatorNotContains:
		return !strings.Contains(left, right)
	case datafile.OperatorStartsWith:
		return strings.HasPrefix(left, right)
	case datafile.OperatorEndsWith:
		return strings.HasSuffix(left, right)
	case datafile.OperatorMatches, datafile.OperatorNotMatches:
		pattern, err := m.regex(right, condition.RegexFlags)
		if err != nil {
			m.logger.Warn("invalid condition pattern", "attribute", condition.Attribute, "operator", condition.Operator, "error", err)
			return false
		}
		matched := pattern.MatchString(left)
		if condition.Operator == datafile.OperatorMatches {
			return matched
		}
		return !matched
	case datafile.OperatorSemverEquals, datafile.OperatorSemverNotEquals,
		datafile.OperatorSemverGreaterThan, datafile.OperatorSemverGreaterThanOrEqual,
		datafile.OperatorSemverLessThan, datafile.OperatorSemverLessThanOrEqual:
		leftVersion, rightVersion := canonicalSemver(left), canonicalSemver(right)
		if !semver.IsValid(leftVersion) || !semver.IsValid(rightVersion) {
			return m.mismatch(condition, actual)
		}
		return semverMatches(condition.Operator, semver.Compare(leftVersion, rightVersion))
	}

	m.logger.Warn("unknown condition operator", "attribute", condition.Attribute, "operator", condition.Operator)
	return false
}

func (m *Matcher) mismatch(condition datafile.PlainCondition, actual any) bool {
	m.logger.Warn("condition type mismatch",
		"attribute", condition.Attribute,
		"operator", condition.Operator,
		"context_type", typeName(actual),
		"condition_type", typeName(condition.Value),
	)
	return false
}

func (m *Matcher) regex(pattern, flags string) (*regexp.Regexp, error) {
	cacheKey := flags + "/" + pattern
	if cached, ok := m.regexes.Load(cacheKey); ok {
		return cached.(*regexp.Regexp), nil
	}

	var prefix strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 's', 'm':
			prefix.WriteRune(flag)
		}
	}

	expression := pattern
	if prefix.Len() > 0 {
		expression = "(?" + prefix.String() + ")" + pattern
	}

	compiled, err := regexp.Compile(expression)
	if err != nil {
		return nil, err
	}

	m.regexes.Store(cacheKey, compiled)
	return compiled, nil
}

func compareOrdered(operator datafile.Operator, left, right float64) bool {
	switch operator {
	case datafile.OperatorGreaterThan:
		return left > right
	case datafile.OperatorGreaterThanOrEqual:
		return left >= right
	case datafile.OperatorLessThan:
		return left < right
	default:
		return left <= right
	}
}

func semverMatches(operator datafile.Operator, comparison int) bool {
	switch operator {
	case datafile.OperatorSemverEquals:
		return comparison == 0
	case datafile.OperatorSemverNotEquals:
		return comparison != 0
	case datafile.OperatorSemverGreaterThan:
		return comparison > 0
	case datafile.OperatorSemverGreaterThanOrEqual:
		return comparison >= 0
	case datafile.OperatorSemverLessThan:
		return comparison < 0
	default:
		return comparison <= 0
	}
}

// canonicalSemver adds the "v" prefix x/mod/semver expects.
func canonicalSemver(version string) string {
	version = strings.TrimSpace(version)
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func asTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case *time.Time:
		if typed == nil {
			return time.Time{}, false
		}
		return *typed, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, typed); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func isScalar(value any) bool {
	if value == nil {
		return true
	}
	if _, ok := value.(string); ok {
		return true
	}
	_, ok := asNumber(value)
	return ok
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any, datafile.Context:
		return "object"
	case time.Time, *time.Time:
		return "date"
	}
	if _, ok := asNumber(value); ok {
		return "number"
	}
	if isList(value) {
		return "array"
	}
	return "unknown"
}
