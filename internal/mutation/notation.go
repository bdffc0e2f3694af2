// Package mutation parses mutation notation and applies it to JSON-like
// values.
//
// A notation is a dot separated path of segments. Each segment is an
// identifier with at most one bracketed qualifier, either an index ("[2]")
// or a property match ("[id=42]"). A notation may start with a bare
// qualifier to address a root array, and may end with one of the operation
// suffixes ":append", ":prepend", ":after", ":before" or ":remove". Without a
// suffix the operation is a set.
package mutation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidNotation = errors.New("invalid mutation notation")

type Operation string

const (
	OperationSet     Operation = "set"
	OperationAppend  Operation = "append"
	OperationPrepend Operation = "prepend"
	OperationAfter   Operation = "after"
	OperationBefore  Operation = "before"
	OperationRemove  Operation = "remove"
)

var suffixOperations = map[string]Operation{
	"append":  OperationAppend,
	"prepend": OperationPrepend,
	"after":   OperationAfter,
	"before":  OperationBefore,
	"remove":  OperationRemove,
}

type SelectorKind int

const (
	SelectorNone SelectorKind = iota
	SelectorIndex
	SelectorMatch
)

// Selector picks one element of an array.
type Selector struct {
	Kind     SelectorKind
	Index    int
	Property string
	Value    string
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectorIndex:
		return "[" + strconv.Itoa(s.Index) + "]"
	case SelectorMatch:
		return "[" + s.Property + "=" + s.Value + "]"
	default:
		return ""
	}
}

// Segment is one path step. An empty Key with a selector addresses the
// array the path starts from.
type Segment struct {
	Key      string
	Selector Selector
}

func (s Segment) String() string {
	return s.Key + s.Selector.String()
}

type Notation struct {
	Segments  []Segment
	Operation Operation
}

func (n Notation) String() string {
	parts := make([]string, len(n.Segments))
	for i, segment := range n.Segments {
		parts[i] = segment.String()
	}

	out := strings.Join(parts, ".")
	if n.Operation != "" && n.Operation != OperationSet {
		out += ":" + string(n.Operation)
	}
	return out
}

// Last returns the final segment.
func (n Notation) Last() (Segment, bool) {
	if len(n.Segments) == 0 {
		return Segment{}, false
	}
	return n.Segments[len(n.Segments)-1], true
}

type charClass int

const (
	classOther charClass = iota
	classDot
	classOpen
	classClose
	classEquals
	numClasses
)

func classify(r rune) charClass {
	switch r {
	case '.':
		return classDot
	case '[':
		return classOpen
	case ']':
		return classClose
	case '=':
		return classEquals
	default:
		return classOther
	}
}

type lexState int

const (
	stateKey lexState = iota
	stateSelector
	stateSelected
	numStates
)

type notationParser struct {
	input    string
	segments []Segment
	key      strings.Builder
	selector strings.Builder
	pending  *Segment
}

type transition func(p *notationParser, r rune) (lexState, error)

// transitions drives the tokenizer: one action per state and character class.
var transitions = [numStates][numClasses]transition{
	stateKey: {
		classOther:  (*notationParser).appendKey,
		classDot:    (*notationParser).closeKeySegment,
		classOpen:   (*notationParser).openSelector,
		classClose:  unexpected,
		classEquals: (*notationParser).appendKey,
	},
	stateSelector: {
		classOther:  (*notationParser).appendSelector,
		classDot:    (*notationParser).appendSelector,
		classOpen:   unexpected,
		classClose:  (*notationParser).closeSelector,
		classEquals: (*notationParser).appendSelector,
	},
	stateSelected: {
		classOther:  unexpected,
		classDot:    (*notationParser).closeSelectedSegment,
		classOpen:   unexpected,
		classClose:  unexpected,
		classEquals: unexpected,
	},
}

func unexpected(p *notationParser, r rune) (lexState, error) {
	return 0, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidNotation, r, p.input)
}

func (p *notationParser) appendKey(r rune) (lexState, error) {
	p.key.WriteRune(r)
	return stateKey, nil
}

func (p *notationParser) closeKeySegment(rune) (lexState, error) {
	if p.key.Len() == 0 {
		return 0, fmt.Errorf("%w: empty segment in %q", ErrInvalidNotation, p.input)
	}
	p.segments = append(p.segments, Segment{Key: p.key.String()})
	p.key.Reset()
	return stateKey, nil
}

func (p *notationParser) openSelector(rune) (lexState, error) {
	if p.key.Len() == 0 && len(p.segments) > 0 {
		return 0, fmt.Errorf("%w: selector without a key in %q", ErrInvalidNotation, p.input)
	}
	p.pending = &Segment{Key: p.key.String()}
	p.key.Reset()
	p.selector.Reset()
	return stateSelector, nil
}

func (p *notationParser) appendSelector(r rune) (lexState, error) {
	p.selector.WriteRune(r)
	return stateSelector, nil
}

func (p *notationParser) closeSelector(rune) (lexState, error) {
	selector, err := parseSelector(p.selector.String())
	if err != nil {
		return 0, fmt.Errorf("%w in %q", err, p.input)
	}
	p.pending.Selector = selector
	p.segments = append(p.segments, *p.pending)
	p.pending = nil
	return stateSelected, nil
}

func (p *notationParser) closeSelectedSegment(rune) (lexState, error) {
	return stateKey, nil
}

func parseSelector(body string) (Selector, error) {
	if property, value, ok := strings.Cut(body, "="); ok {
		if property == "" {
			return Selector{}, fmt.Errorf("%w: selector %q has no property", ErrInvalidNotation, body)
		}
		return Selector{Kind: SelectorMatch, Property: property, Value: value}, nil
	}

	index, err := strconv.Atoi(body)
	if err != nil || index < 0 || strings.HasPrefix(body, "+") {
		return Selector{}, fmt.Errorf("%w: selector %q is neither an index nor a match", ErrInvalidNotation, body)
	}
	return Selector{Kind: SelectorIndex, Index: index}, nil
}

// splitOperation separates a trailing operation suffix. The suffix is the
// text after the last colon outside brackets.
func splitOperation(notation string) (string, Operation, error) {
	depth := 0
	colon := -1
	for i, r := range notation {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth == 0 {
				colon = i
			}
		}
	}

	if colon < 0 {
		return notation, OperationSet, nil
	}

	operation, ok := suffixOperations[notation[colon+1:]]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown operation %q", ErrInvalidNotation, notation[colon+1:])
	}
	return notation[:colon], operation, nil
}

// ParseNotation parses a mutation notation string.
func ParseNotation(notation string) (Notation, error) {
	path, operation, err := splitOperation(notation)
	if err != nil {
		return Notation{}, err
	}
	if path == "" {
		return Notation{}, fmt.Errorf("%w: empty path in %q", ErrInvalidNotation, notation)
	}

	p := &notationParser{input: notation}
	state := stateKey
	for _, r := range path {
		state, err = transitions[state][classify(r)](p, r)
		if err != nil {
			return Notation{}, err
		}
	}

	switch state {
	case stateSelector:
		return Notation{}, fmt.Errorf("%w: unterminated selector in %q", ErrInvalidNotation, notation)
	case stateKey:
		if p.key.Len() == 0 {
			return Notation{}, fmt.Errorf("%w: trailing separator in %q", ErrInvalidNotation, notation)
		}
		p.segments = append(p.segments, Segment{Key: p.key.String()})
	}

	return Notation{Segments: p.segments, Operation: operation}, nil
}

// rest returns the notation that remains below the first segment, with that
// segment's selector turned into a root selector.
func (n Notation) rest() Notation {
	out := Notation{Operation: n.Operation}
	if len(n.Segments) == 0 {
		return out
	}

	if first := n.Segments[0]; first.Selector.Kind != SelectorNone {
		out.Segments = append(out.Segments, Segment{Selector: first.Selector})
	}
	out.Segments = append(out.Segments, n.Segments[1:]...)
	return out
}
