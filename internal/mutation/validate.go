package mutation

import (
	"fmt"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// SchemaResolver looks up named schemas referenced through a "schema" field.
// *datafile.Reader satisfies it.
type SchemaResolver interface {
	Schema(name string) *datafile.ValueSchema
}

// MutationKeyValidation is the verdict on one notation key. Schema is the
// shape a value written at the key's location must have; it is nil when
// the location is untyped.
type MutationKeyValidation struct {
	Valid  bool                  `json:"valid"`
	Error  string                `json:"error,omitempty"`
	Schema *datafile.ValueSchema `json:"schema,omitempty"`
}

func invalid(format string, args ...any) MutationKeyValidation {
	return MutationKeyValidation{Error: fmt.Sprintf(format, args...)}
}

const maxSchemaReferences = 32

// ValidateMutationKey checks a notation key against the declared variables
// schema without touching any value.
func ValidateMutationKey(key string, variablesSchema map[string]*datafile.VariableSchema, schemas SchemaResolver) MutationKeyValidation {
	notation, err := ParseNotation(key)
	if err != nil {
		return MutationKeyValidation{Error: err.Error()}
	}

	variable := notation.Segments[0].Key
	if variable == "" {
		return invalid("notation %q must start with a variable key", key)
	}
	variableSchema := variablesSchema[variable]
	if variableSchema == nil {
		return invalid("variable %q is not defined", variable)
	}

	root := variableSchema.ValueSchema
	if root.Type == "" {
		root.Type = string(variableSchema.Type)
	}

	v := validator{schemas: schemas, key: key}
	current, ok := v.resolve(&root)
	if !ok {
		return v.failure
	}

	rest := notation.rest()
	if len(rest.Segments) == 0 {
		switch rest.Operation {
		case OperationSet:
			return MutationKeyValidation{Valid: true, Schema: current}
		case OperationRemove:
			return invalid("variable %q itself cannot be removed", variable)
		}
	}

	var (
		parent   *datafile.ValueSchema
		property string
	)
	for i, segment := range rest.Segments {
		if isUntyped(current) {
			return MutationKeyValidation{Valid: true}
		}

		parent, property = nil, ""
		if segment.Key != "" {
			if len(current.OneOf) > 0 {
				return invalid("path %q traverses a oneOf schema at %q", key, segment.Key)
			}
			child, untyped, problem := propertySchema(current, segment.Key)
			if problem != "" {
				return invalid("%s in %q", problem, key)
			}
			if untyped {
				return MutationKeyValidation{Valid: true}
			}
			parent, property = current, segment.Key
			if current, ok = v.resolve(child); !ok {
				return v.failure
			}
		}

		if segment.Selector.Kind == SelectorNone {
			continue
		}
		last := i == len(rest.Segments)-1
		if last && (rest.Operation == OperationAfter || rest.Operation == OperationBefore || rest.Operation == OperationRemove) {
			// the selector picks the neighbour or the element to drop; the
			// operand has the item shape
			break
		}
		if current, ok = v.items(current, segment); !ok {
			return v.failure
		}
		parent, property = nil, ""
	}

	return v.checkOperation(notation, rest, current, parent, property)
}

type validator struct {
	schemas SchemaResolver
	key     string
	failure MutationKeyValidation
}

// resolve follows "schema" references to a concrete schema.
func (v *validator) resolve(schema *datafile.ValueSchema) (*datafile.ValueSchema, bool) {
	for range maxSchemaReferences {
		if schema == nil || schema.Schema == "" {
			return schema, true
		}
		if v.schemas == nil {
			v.failure = invalid("schema %q referenced by %q cannot be resolved", schema.Schema, v.key)
			return nil, false
		}
		target := v.schemas.Schema(schema.Schema)
		if target == nil {
			v.failure = invalid("schema %q referenced by %q is not defined", schema.Schema, v.key)
			return nil, false
		}
		schema = target
	}

	v.failure = invalid("schema references in %q are too deep", v.key)
	return nil, false
}

func (v *validator) items(schema *datafile.ValueSchema, segment Segment) (*datafile.ValueSchema, bool) {
	if len(schema.OneOf) > 0 {
		v.failure = invalid("path %q traverses a oneOf schema at %q", v.key, segment)
		return nil, false
	}
	if schema.Type != string(datafile.VariableTypeArray) {
		v.failure = invalid("selector %q in %q needs an array, found %q", segment.Selector, v.key, schema.Type)
		return nil, false
	}
	if schema.Items == nil {
		return nil, true
	}
	return v.resolve(schema.Items)
}

func (v *validator) checkOperation(notation, rest Notation, target, parent *datafile.ValueSchema, property string) MutationKeyValidation {
	last, _ := rest.Last()
	if rest.Operation == OperationRemove && last.Selector.Kind == SelectorNone && parent != nil && parent.IsRequired(property) {
		return invalid("property %q is required and cannot be removed (%q)", property, notation)
	}
	if isUntyped(target) {
		return MutationKeyValidation{Valid: true}
	}

	switch rest.Operation {
	case OperationSet:
		return MutationKeyValidation{Valid: true, Schema: target}

	case OperationAppend, OperationPrepend:
		if target.Type != string(datafile.VariableTypeArray) {
			return invalid("%s in %q needs an array, found %q", rest.Operation, v.key, target.Type)
		}
		items, ok := v.resolve(target.Items)
		if !ok {
			return v.failure
		}
		if items != nil && len(items.OneOf) > 0 {
			return invalid("%s in %q targets an array of oneOf items", rest.Operation, v.key)
		}
		return MutationKeyValidation{Valid: true, Schema: items}

	case OperationAfter, OperationBefore, OperationRemove:
		if last.Selector.Kind != SelectorNone {
			items, ok := v.items(target, last)
			if !ok {
				return v.failure
			}
			return MutationKeyValidation{Valid: true, Schema: items}
		}
		if rest.Operation != OperationRemove {
			return invalid("%s in %q needs a selector such as [0] or [id=1]", rest.Operation, v.key)
		}
		if parent == nil {
			return invalid("remove in %q must target an object property or array element", v.key)
		}
		return MutationKeyValidation{Valid: true, Schema: target}
	}

	return invalid("unsupported operation %q", rest.Operation)
}

// propertySchema finds the schema of an object property. untyped reports
// that the object allows arbitrary extra properties without a schema.
func propertySchema(object *datafile.ValueSchema, key string) (child *datafile.ValueSchema, untyped bool, problem string) {
	if object.Type != "" && object.Type != string(datafile.VariableTypeObject) {
		return nil, false, fmt.Sprintf("property %q needs an object, found %q", key, object.Type)
	}
	if child := object.Properties[key]; child != nil {
		return child, false, ""
	}
	if extra := object.AdditionalProperties; extra != nil {
		if extra.Schema != nil {
			return extra.Schema, false, ""
		}
		if extra.Allowed {
			return nil, true, ""
		}
	}
	return nil, false, fmt.Sprintf("property %q is not defined", key)
}

// isUntyped reports whether a schema places no constraint on what lies
// below it: no schema, the json type, or an object without declared shape.
func isUntyped(schema *datafile.ValueSchema) bool {
	if schema == nil || schema.Type == string(datafile.VariableTypeJSON) {
		return true
	}
	if len(schema.OneOf) > 0 {
		return false
	}
	switch schema.Type {
	case "", string(datafile.VariableTypeObject):
		return len(schema.Properties) == 0 && schema.AdditionalProperties == nil && schema.Items == nil
	}
	return false
}
