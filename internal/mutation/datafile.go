package mutation

import (
	"log/slog"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// ResolveDatafile expands notation keys found in variation, traffic and
// force variables into full variable values, in place. Keys that fail
// validation against the feature's variables schema are dropped and logged.
func ResolveDatafile(df *datafile.Datafile, logger *slog.Logger) {
	if df == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	schemas := datafile.NewReader(df)
	for key, feature := range df.Features {
		if feature == nil || len(feature.VariablesSchema) == 0 {
			continue
		}

		featureLogger := logger.With("feature", key)
		resolve := func(variables map[string]any, where string) map[string]any {
			return resolveVariables(feature, variables, schemas, featureLogger.With("in", where))
		}

		for _, variation := range feature.Variations {
			if variation != nil {
				variation.Variables = resolve(variation.Variables, "variation "+variation.Value)
			}
		}
		for _, traffic := range feature.Traffic {
			if traffic != nil {
				traffic.Variables = resolve(traffic.Variables, "traffic "+traffic.Key)
			}
		}
		for _, force := range feature.Force {
			if force != nil {
				force.Variables = resolve(force.Variables, "force")
			}
		}
	}
}

func resolveVariables(feature *datafile.Feature, variables map[string]any, schemas SchemaResolver, logger *slog.Logger) map[string]any {
	hasNotation := false
	for key := range variables {
		if IsNotationKey(key) {
			hasNotation = true
			break
		}
	}
	if !hasNotation {
		return variables
	}

	valid := make(map[string]any, len(variables))
	for key, value := range variables {
		if !IsNotationKey(key) {
			valid[key] = value
			continue
		}
		result := ValidateMutationKey(key, feature.VariablesSchema, schemas)
		if !result.Valid {
			logger.Warn("dropping invalid variable notation", "key", key, "error", result.Error)
			continue
		}
		valid[key] = value
	}

	resolved, err := ResolveMutationsForMultipleVariables(feature.VariablesSchema, valid)
	if err != nil {
		logger.Warn("variable notation could not be resolved", "error", err)
	}
	if resolved == nil {
		return map[string]any{}
	}
	return resolved
}
