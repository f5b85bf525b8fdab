// Package filter provides the declarative event-filter evaluator used by
// pipeline FILTER steps.
//
// A filter is a JSON object mapping payload paths to matcher lists,
// recursively nested. Evaluation returns true iff every leaf matcher list is
// satisfied by the document. Matcher lists are disjunctive (any-of); object
// levels are conjunctive (all keys must match).
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned when a filter document is rejected during parsing.
// Evaluation itself never returns an error; type mismatches evaluate to false.
var ErrInvalidFilter = errors.New("invalid filter")

// matcherKind discriminates the tagged matcher union.
type matcherKind int

const (
	matchEquals matcherKind = iota
	matchEndsWith
	matchStartsWith
	matchIgnoreCaseEquals
	matchExists
	matchIsNull
	matchAnythingBut
	matchGreaterThan
	matchGreaterThanOrEqual
	matchLessThan
	matchLessThanOrEqual
	matchBetween
	matchIncludes
)

const betweenOperandLen = 2

type (
	// matcher is one alternative in a disjunctive matcher list.
	matcher struct {
		kind matcherKind

		// value holds the operand for equality-style matchers ($includes,
		// primitive equality). values holds the operand list for $anythingBut.
		value  interface{}
		values []interface{}

		str  string  // string operand ($endsWith, $startsWith, $ignoreCaseEquals)
		num  float64 // numeric operand ($gt, $gte, $lt, $lte)
		lo   float64 // $between lower bound (inclusive)
		hi   float64 // $between upper bound (inclusive)
		want bool    // bool operand ($exists, $isNull)
	}

	// node is one level of the parsed filter tree: either a nested object or
	// a leaf matcher list, never both.
	node struct {
		children map[string]node
		matchers []matcher
	}

	// Filter is a parsed, immutable event filter.
	Filter struct {
		root map[string]node
	}
)

// Parse parses and validates a raw JSON filter document.
//
// Returns ErrInvalidFilter (wrapped with detail) if the document is not an
// object, a matcher object has an unknown operator, or an operand has the
// wrong type.
func Parse(raw []byte) (*Filter, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	root, err := parseObject(doc, "")
	if err != nil {
		return nil, err
	}

	return &Filter{root: root}, nil
}

// Matches evaluates the filter against a decoded JSON document.
// The document is expected in encoding/json generic form
// (map[string]interface{}, []interface{}, string, float64, bool, nil).
func (f *Filter) Matches(doc map[string]interface{}) bool {
	return matchObject(f.root, doc)
}

// MatchesRaw unmarshals raw JSON and evaluates the filter against it.
// Invalid JSON never matches.
func (f *Filter) MatchesRaw(raw []byte) bool {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}

	return f.Matches(doc)
}

func parseObject(doc map[string]interface{}, path string) (map[string]node, error) {
	parsed := make(map[string]node, len(doc))

	for key, value := range doc {
		childPath := key
		if path != "" {
			childPath = path + "." + key
		}

		switch v := value.(type) {
		case map[string]interface{}:
			children, err := parseObject(v, childPath)
			if err != nil {
				return nil, err
			}

			parsed[key] = node{children: children}
		case []interface{}:
			matchers, err := parseMatcherList(v, childPath)
			if err != nil {
				return nil, err
			}

			parsed[key] = node{matchers: matchers}
		default:
			return nil, fmt.Errorf("%w: %q must map to an object or a matcher list", ErrInvalidFilter, childPath)
		}
	}

	return parsed, nil
}

func parseMatcherList(list []interface{}, path string) ([]matcher, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %q has an empty matcher list", ErrInvalidFilter, path)
	}

	matchers := make([]matcher, 0, len(list))

	for _, item := range list {
		switch v := item.(type) {
		case string, float64, bool:
			matchers = append(matchers, matcher{kind: matchEquals, value: v})
		case map[string]interface{}:
			m, err := parseContentMatcher(v, path)
			if err != nil {
				return nil, err
			}

			matchers = append(matchers, m)
		default:
			return nil, fmt.Errorf("%w: %q matcher must be a string, number, boolean or matcher object", ErrInvalidFilter, path)
		}
	}

	return matchers, nil
}

//nolint:cyclop // one case per operator keeps the dispatch flat and readable
func parseContentMatcher(obj map[string]interface{}, path string) (matcher, error) {
	if len(obj) != 1 {
		return matcher{}, fmt.Errorf("%w: %q matcher object must have exactly one operator", ErrInvalidFilter, path)
	}

	var op string

	var operand interface{}

	for k, v := range obj {
		op, operand = k, v
	}

	switch op {
	case "$endsWith":
		return stringMatcher(matchEndsWith, op, operand, path)
	case "$startsWith":
		return stringMatcher(matchStartsWith, op, operand, path)
	case "$ignoreCaseEquals":
		return stringMatcher(matchIgnoreCaseEquals, op, operand, path)
	case "$exists":
		return boolMatcher(matchExists, op, operand, path)
	case "$isNull":
		return boolMatcher(matchIsNull, op, operand, path)
	case "$anythingBut":
		if values, ok := operand.([]interface{}); ok {
			return matcher{kind: matchAnythingBut, values: values}, nil
		}

		return matcher{kind: matchAnythingBut, values: []interface{}{operand}}, nil
	case "$gt":
		return numberMatcher(matchGreaterThan, op, operand, path)
	case "$gte":
		return numberMatcher(matchGreaterThanOrEqual, op, operand, path)
	case "$lt":
		return numberMatcher(matchLessThan, op, operand, path)
	case "$lte":
		return numberMatcher(matchLessThanOrEqual, op, operand, path)
	case "$between":
		return betweenMatcher(operand, path)
	case "$includes":
		return matcher{kind: matchIncludes, value: operand}, nil
	default:
		return matcher{}, fmt.Errorf("%w: %q has unknown operator %q", ErrInvalidFilter, path, op)
	}
}

func stringMatcher(kind matcherKind, op string, operand interface{}, path string) (matcher, error) {
	s, ok := operand.(string)
	if !ok {
		return matcher{}, fmt.Errorf("%w: %q operator %s requires a string operand", ErrInvalidFilter, path, op)
	}

	return matcher{kind: kind, str: s}, nil
}

func boolMatcher(kind matcherKind, op string, operand interface{}, path string) (matcher, error) {
	b, ok := operand.(bool)
	if !ok {
		return matcher{}, fmt.Errorf("%w: %q operator %s requires a boolean operand", ErrInvalidFilter, path, op)
	}

	return matcher{kind: kind, want: b}, nil
}

func numberMatcher(kind matcherKind, op string, operand interface{}, path string) (matcher, error) {
	n, ok := operand.(float64)
	if !ok {
		return matcher{}, fmt.Errorf("%w: %q operator %s requires a numeric operand", ErrInvalidFilter, path, op)
	}

	return matcher{kind: kind, num: n}, nil
}

func betweenMatcher(operand interface{}, path string) (matcher, error) {
	bounds, ok := operand.([]interface{})
	if !ok || len(bounds) != betweenOperandLen {
		return matcher{}, fmt.Errorf("%w: %q operator $between requires a [lo, hi] pair", ErrInvalidFilter, path)
	}

	lo, loOK := bounds[0].(float64)

	hi, hiOK := bounds[1].(float64)
	if !loOK || !hiOK {
		return matcher{}, fmt.Errorf("%w: %q operator $between requires numeric bounds", ErrInvalidFilter, path)
	}

	return matcher{kind: matchBetween, lo: lo, hi: hi}, nil
}

func matchObject(nodes map[string]node, doc map[string]interface{}) bool {
	for key, n := range nodes {
		value, present := doc[key]

		if n.children != nil {
			child, ok := value.(map[string]interface{})
			if !ok {
				return false
			}

			if !matchObject(n.children, child) {
				return false
			}

			continue
		}

		if !matchAny(n.matchers, value, present) {
			return false
		}
	}

	return true
}

// matchAny evaluates a disjunctive matcher list against one document value.
func matchAny(matchers []matcher, value interface{}, present bool) bool {
	for _, m := range matchers {
		if m.match(value, present) {
			return true
		}
	}

	return false
}

//nolint:cyclop // one case per operator keeps the dispatch flat and readable
func (m matcher) match(value interface{}, present bool) bool {
	// A missing property can only be matched by $exists:false or
	// $isNull:true; every other operator fails on an absent key.
	if !present && m.kind != matchExists && !(m.kind == matchIsNull && m.want) {
		return false
	}

	switch m.kind {
	case matchEquals:
		return jsonEqual(value, m.value)
	case matchEndsWith:
		s, ok := value.(string)

		return ok && strings.HasSuffix(s, m.str)
	case matchStartsWith:
		s, ok := value.(string)

		return ok && strings.HasPrefix(s, m.str)
	case matchIgnoreCaseEquals:
		s, ok := value.(string)

		return ok && strings.EqualFold(s, m.str)
	case matchExists:
		return present == m.want
	case matchIsNull:
		return (value == nil) == m.want
	case matchAnythingBut:
		for _, excluded := range m.values {
			if jsonEqual(value, excluded) {
				return false
			}
		}

		return true
	case matchGreaterThan:
		n, ok := value.(float64)

		return ok && n > m.num
	case matchGreaterThanOrEqual:
		n, ok := value.(float64)

		return ok && n >= m.num
	case matchLessThan:
		n, ok := value.(float64)

		return ok && n < m.num
	case matchLessThanOrEqual:
		n, ok := value.(float64)

		return ok && n <= m.num
	case matchBetween:
		n, ok := value.(float64)

		return ok && n >= m.lo && n <= m.hi
	case matchIncludes:
		return matchIncludesValue(value, m.value)
	default:
		return false
	}
}

// matchIncludesValue matches arrays containing the operand or strings
// containing the operand as a substring.
func matchIncludesValue(value, operand interface{}) bool {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if jsonEqual(item, operand) {
				return true
			}
		}

		return false
	case string:
		s, ok := operand.(string)

		return ok && strings.Contains(v, s)
	default:
		return false
	}
}

// jsonEqual implements strict JSON equality over encoding/json generic values.
func jsonEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)

		return ok && av == bv
	case float64:
		bv, ok := b.(float64)

		return ok && av == bv
	case bool:
		bv, ok := b.(bool)

		return ok && av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}

		for k, v := range av {
			other, exists := bv[k]
			if !exists || !jsonEqual(v, other) {
				return false
			}
		}

		return true
	default:
		return false
	}
}
