package mutation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// ResolveMutationsForMultipleVariables computes full values for every
// variable referenced by overrides. Each value starts from a copy of the
// variable's default; override keys are applied shortest first, so an exact
// key replaces the value before longer paths refine it.
//
// Only referenced variables appear in the result, and the result is nil when
// nothing is referenced. Keys that fail to parse or name an unknown variable
// are skipped and reported in the returned error.
func ResolveMutationsForMultipleVariables(schema map[string]*datafile.VariableSchema, overrides map[string]any) (map[string]any, error) {
	if len(overrides) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if byLength := cmp.Compare(len(a), len(b)); byLength != 0 {
			return byLength
		}
		return cmp.Compare(a, b)
	})

	var (
		resolved map[string]any
		errs     []error
	)
	for _, key := range keys {
		notation, err := ParseNotation(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		variable := notation.Segments[0].Key
		variableSchema := schema[variable]
		if variable == "" || variableSchema == nil {
			errs = append(errs, fmt.Errorf("%w: %q does not name a variable", ErrInvalidNotation, key))
			continue
		}

		if resolved == nil {
			resolved = make(map[string]any)
		}
		current, ok := resolved[variable]
		if !ok {
			current = Clone(variableSchema.DefaultValue)
		}

		rest := notation.rest()
		if len(rest.Segments) == 0 && rest.Operation == OperationSet {
			resolved[variable] = Clone(overrides[key])
			continue
		}
		resolved[variable] = MutateNotation(current, rest, overrides[key])
	}

	return resolved, errors.Join(errs...)
}

// IsNotationKey reports whether key is more than a bare variable name.
func IsNotationKey(key string) bool {
	for _, r := range key {
		switch r {
		case '.', '[', ']', ':':
			return true
		}
	}
	return false
}
