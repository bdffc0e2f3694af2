package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/flagbase/internal/core"
	"github.com/matt-riley/flagbase/internal/datafile"
	"github.com/matt-riley/flagbase/internal/instance"
	"github.com/matt-riley/flagbase/internal/mutation"
)

const (
	maxBatchRequests = 256
	updateBufferSize = 16
)

var (
	errNotReady        = errors.New("no datafile installed")
	errFeatureNotFound = errors.New("feature not found")
)

// Instance is what both transports evaluate through.
type Instance interface {
	Evaluate(req core.Request) core.Evaluation
	GetAllEvaluations(ctx datafile.Context, featureKeys ...string) map[string]instance.FeatureEvaluation
	Refresh(ctx context.Context) error
	Reader() *datafile.Reader
	Revision() string
	IsReady() bool
	On(name instance.EventName, listener instance.Listener) func()
}

var _ Instance = (*instance.Instance)(nil)

type evaluateItem struct {
	Type     core.Type        `json:"type,omitempty"`
	Feature  string           `json:"feature"`
	Variable string           `json:"variable,omitempty"`
	Context  datafile.Context `json:"context,omitempty"`
}

type evaluateRequest struct {
	Type     core.Type        `json:"type,omitempty"`
	Feature  string           `json:"feature,omitempty"`
	Variable string           `json:"variable,omitempty"`
	Context  datafile.Context `json:"context,omitempty"`
	Requests []evaluateItem   `json:"requests,omitempty"`
}

type evaluationResult struct {
	core.Evaluation
	Error string `json:"error,omitempty"`
}

type evaluateResponse struct {
	Revision string             `json:"revision"`
	Results  []evaluationResult `json:"results"`
}

type evaluationsRequest struct {
	Context  datafile.Context `json:"context,omitempty"`
	Features []string         `json:"features,omitempty"`
}

type evaluationsResponse struct {
	Revision string                                `json:"revision"`
	Features map[string]instance.FeatureEvaluation `json:"features"`
}

type datafileSummary struct {
	Revision      string   `json:"revision"`
	SchemaVersion string   `json:"schemaVersion"`
	Features      int      `json:"features"`
	FeatureKeys   []string `json:"featureKeys"`
}

type validateMutationRequest struct {
	Feature string `json:"feature"`
	Key     string `json:"key"`
}

type updatePayload struct {
	Revision         string   `json:"revision"`
	PreviousRevision string   `json:"previousRevision"`
	RevisionChanged  bool     `json:"revisionChanged"`
	Features         []string `json:"features"`
}

// items flattens a single or batch request. Exactly one form must be used.
func (r evaluateRequest) items() ([]evaluateItem, error) {
	single := strings.TrimSpace(r.Feature) != ""
	switch {
	case len(r.Requests) > 0 && single:
		return nil, errors.New("use either feature or requests")
	case len(r.Requests) > maxBatchRequests:
		return nil, fmt.Errorf("at most %d requests are allowed", maxBatchRequests)
	case len(r.Requests) > 0:
		return r.Requests, nil
	case single:
		return []evaluateItem{{Type: r.Type, Feature: r.Feature, Variable: r.Variable, Context: r.Context}}, nil
	default:
		return nil, errors.New("feature or requests is required")
	}
}

func (item evaluateItem) request() (core.Request, error) {
	req := core.Request{
		Type:        item.Type,
		FeatureKey:  strings.TrimSpace(item.Feature),
		VariableKey: strings.TrimSpace(item.Variable),
		Context:     item.Context,
	}
	if req.FeatureKey == "" {
		return core.Request{}, errors.New("feature is required")
	}

	switch req.Type {
	case "":
		req.Type = core.TypeFlag
	case core.TypeFlag, core.TypeVariation:
	case core.TypeVariable:
		if req.VariableKey == "" {
			return core.Request{}, errors.New("variable is required for variable evaluations")
		}
	default:
		return core.Request{}, fmt.Errorf("unknown evaluation type %q", req.Type)
	}
	return req, nil
}

func evaluateItems(inst Instance, items []evaluateItem) (evaluateResponse, error) {
	requests := make([]core.Request, 0, len(items))
	for idx, item := range items {
		req, err := item.request()
		if err != nil {
			if len(items) > 1 {
				return evaluateResponse{}, fmt.Errorf("requests[%d]: %w", idx, err)
			}
			return evaluateResponse{}, err
		}
		requests = append(requests, req)
	}

	results := make([]evaluationResult, 0, len(requests))
	for _, req := range requests {
		ev := inst.Evaluate(req)
		result := evaluationResult{Evaluation: ev}
		if ev.Err != nil {
			result.Error = ev.Err.Error()
		}
		results = append(results, result)
	}
	return evaluateResponse{Revision: inst.Revision(), Results: results}, nil
}

func summarize(inst Instance) (datafileSummary, error) {
	reader := inst.Reader()
	if reader == nil {
		return datafileSummary{}, errNotReady
	}
	keys := reader.FeatureKeys()
	return datafileSummary{
		Revision:      reader.Revision(),
		SchemaVersion: reader.SchemaVersion(),
		Features:      len(keys),
		FeatureKeys:   keys,
	}, nil
}

func validateMutation(inst Instance, req validateMutationRequest) (mutation.MutationKeyValidation, error) {
	reader := inst.Reader()
	if reader == nil {
		return mutation.MutationKeyValidation{}, errNotReady
	}
	feature := reader.Feature(strings.TrimSpace(req.Feature))
	if feature == nil {
		return mutation.MutationKeyValidation{}, errFeatureNotFound
	}
	return mutation.ValidateMutationKey(req.Key, feature.VariablesSchema, reader), nil
}

// subscribeUpdates relays update events into a buffered channel. An event
// arriving while the buffer is full is dropped; the next one still carries
// the current revision.
func subscribeUpdates(inst Instance) (<-chan instance.Event, func()) {
	updates := make(chan instance.Event, updateBufferSize)
	unsubscribe := inst.On(instance.EventUpdate, func(event instance.Event) {
		select {
		case updates <- event:
		default:
		}
	})
	return updates, unsubscribe
}

func toUpdatePayload(event instance.Event) updatePayload {
	features := event.Features
	if features == nil {
		features = []string{}
	}
	return updatePayload{
		Revision:         event.Revision,
		PreviousRevision: event.PreviousRevision,
		RevisionChanged:  event.RevisionChanged,
		Features:         features,
	}
}
