package mutation

import (
	"slices"

	"github.com/matt-riley/flagbase/internal/datafile"
)

// slot is an assignable location inside a value being mutated. Setting a slot
// writes through to its container so arrays can be replaced after a splice.
type slot struct {
	get    func() (any, bool)
	set    func(any)
	remove func()
}

func rootSlot(root *any) slot {
	return slot{
		get: func() (any, bool) { return *root, true },
		set: func(value any) { *root = value },
	}
}

func propertySlot(object map[string]any, key string) slot {
	return slot{
		get: func() (any, bool) {
			value, ok := object[key]
			return value, ok
		},
		set:    func(value any) { object[key] = value },
		remove: func() { delete(object, key) },
	}
}

func elementSlot(list []any, index int) slot {
	return slot{
		get: func() (any, bool) { return list[index], true },
		set: func(value any) { list[index] = value },
	}
}

// Mutate applies notation to a deep copy of value and returns the copy.
// Paths that do not resolve leave the copy unchanged. A nil value is
// returned as is.
func Mutate(value any, notation string, operand any) (any, error) {
	parsed, err := ParseNotation(notation)
	if err != nil {
		return value, err
	}
	return MutateNotation(value, parsed, operand), nil
}

// MutateNotation is Mutate for an already parsed notation. A notation with
// no segments operates on the root value.
func MutateNotation(value any, notation Notation, operand any) any {
	if value == nil {
		return nil
	}

	root := Clone(value)
	current := rootSlot(&root)

	segments := notation.Segments
	if len(segments) > 0 {
		for _, segment := range segments[:len(segments)-1] {
			next, ok := step(current, segment)
			if !ok {
				return root
			}
			current = next
		}
	}

	var last Segment
	if len(segments) > 0 {
		last = segments[len(segments)-1]
	}

	container := current
	if last.Key != "" {
		parent, _ := current.get()
		object, ok := asObject(parent)
		if !ok {
			return root
		}
		container = propertySlot(object, last.Key)
	}

	apply(container, last.Selector, notation.Operation, Clone(operand))
	return root
}

func step(current slot, segment Segment) (slot, bool) {
	next := current
	if segment.Key != "" {
		value, _ := current.get()
		object, ok := asObject(value)
		if !ok {
			return slot{}, false
		}
		if _, exists := object[segment.Key]; !exists {
			return slot{}, false
		}
		next = propertySlot(object, segment.Key)
	}

	if segment.Selector.Kind == SelectorNone {
		return next, true
	}

	value, _ := next.get()
	list, ok := value.([]any)
	if !ok {
		return slot{}, false
	}
	index := find(list, segment.Selector)
	if index < 0 {
		return slot{}, false
	}
	return elementSlot(list, index), true
}

func apply(container slot, selector Selector, operation Operation, operand any) {
	if selector.Kind == SelectorNone {
		switch operation {
		case OperationSet:
			container.set(operand)
		case OperationAppend, OperationPrepend:
			pushOnto(container, operation, operand)
		case OperationRemove:
			if container.remove != nil {
				container.remove()
			}
		}
		return
	}

	value, _ := container.get()
	list, ok := value.([]any)
	if !ok {
		return
	}
	index := find(list, selector)
	if index < 0 {
		return
	}

	switch operation {
	case OperationSet:
		list[index] = operand
	case OperationAppend, OperationPrepend:
		pushOnto(elementSlot(list, index), operation, operand)
	case OperationAfter:
		container.set(slices.Insert(list, index+1, operand))
	case OperationBefore:
		container.set(slices.Insert(list, index, operand))
	case OperationRemove:
		container.set(slices.Delete(list, index, index+1))
	}
}

// pushOnto appends or prepends one element to the array held by target,
// creating the array when the target is absent.
func pushOnto(target slot, operation Operation, operand any) {
	value, exists := target.get()

	var list []any
	if exists && value != nil {
		typed, ok := value.([]any)
		if !ok {
			return
		}
		list = typed
	}

	if operation == OperationPrepend {
		target.set(append([]any{operand}, list...))
		return
	}
	target.set(append(list, operand))
}

func find(list []any, selector Selector) int {
	switch selector.Kind {
	case SelectorIndex:
		if selector.Index < len(list) {
			return selector.Index
		}
	case SelectorMatch:
		for i, item := range list {
			object, ok := asObject(item)
			if !ok {
				continue
			}
			if value, ok := object[selector.Property]; ok && datafile.Stringify(value) == selector.Value {
				return i
			}
		}
	}
	return -1
}
