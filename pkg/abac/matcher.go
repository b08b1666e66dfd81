package abac

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard is the serialized form of an Any matcher
const Wildcard = "*"

// MatchKind tags the variant held by a Matcher
type MatchKind int

const (
	MatchAny MatchKind = iota
	MatchExact
	MatchOneOf
)

// Matcher is a tagged variant: Any, Exact(value) or OneOf(values).
// The zero value is Any. Comparison is case-insensitive so "PATIENT"
// in a policy file matches the "patient" role.
type Matcher struct {
	Kind   MatchKind
	Values []string
}

// Any matches every value
func Any() Matcher { return Matcher{Kind: MatchAny} }

// Exact matches a single value
func Exact(value string) Matcher { return Matcher{Kind: MatchExact, Values: []string{value}} }

// OneOf matches membership in values
func OneOf(values ...string) Matcher {
	return Matcher{Kind: MatchOneOf, Values: append([]string(nil), values...)}
}

// Matches dispatches on the matcher kind
func (m Matcher) Matches(value string) bool {
	switch m.Kind {
	case MatchAny:
		return true
	case MatchExact:
		return len(m.Values) == 1 && strings.EqualFold(m.Values[0], value)
	case MatchOneOf:
		for _, v := range m.Values {
			if strings.EqualFold(v, value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// String renders the matcher in its serialized shape
func (m Matcher) String() string {
	switch m.Kind {
	case MatchAny:
		return Wildcard
	case MatchExact:
		return m.Values[0]
	default:
		return "[" + strings.Join(m.Values, ",") + "]"
	}
}

func (m Matcher) clone() Matcher {
	if m.Values == nil {
		return m
	}
	return Matcher{Kind: m.Kind, Values: append([]string(nil), m.Values...)}
}

func (m Matcher) serialized() interface{} {
	switch m.Kind {
	case MatchExact:
		return m.Values[0]
	case MatchOneOf:
		return m.Values
	default:
		return Wildcard
	}
}

func matcherFromScalar(value string) Matcher {
	if value == Wildcard || value == "" {
		return Any()
	}
	return Exact(value)
}

func matcherFromList(values []string) Matcher {
	for _, v := range values {
		if v == Wildcard {
			return Any()
		}
	}
	return OneOf(values...)
}

// MarshalJSON encodes Any as "*", Exact as a string and OneOf as an array
func (m Matcher) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.serialized())
}

// UnmarshalJSON accepts "*", a string or an array of strings
func (m *Matcher) UnmarshalJSON(data []byte) error {
	var scalar string
	if err := json.Unmarshal(data, &scalar); err == nil {
		*m = matcherFromScalar(scalar)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("matcher must be a string or an array of strings: %w", err)
	}
	*m = matcherFromList(list)
	return nil
}

// MarshalYAML mirrors MarshalJSON
func (m Matcher) MarshalYAML() (interface{}, error) {
	return m.serialized(), nil
}

// UnmarshalYAML mirrors UnmarshalJSON
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*m = matcherFromScalar(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("matcher list: %w", err)
		}
		*m = matcherFromList(list)
		return nil
	default:
		return fmt.Errorf("matcher must be a scalar or a sequence, line %d", node.Line)
	}
}
