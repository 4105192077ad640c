package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errUnreadable = errors.New("unreadable value")

func decodeLoose(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// isBlank reports whether a response carries no answer at all.
func isBlank(raw json.RawMessage) bool {
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	v, err := decodeLoose(raw)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// choiceSet normalizes a single choice or a list of choices into a set.
// Strings and numbers are both accepted so that 2, "2" and ["2"] are equal.
// Choice ids are compared exactly, so "A" and "a" are different choices.
func choiceSet(raw json.RawMessage) (map[string]struct{}, error) {
	v, err := decodeLoose(raw)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{})
	add := func(item any) error {
		s, ok := scalarString(item)
		if !ok {
			return errUnreadable
		}
		if s != "" {
			set[s] = struct{}{}
		}
		return nil
	}

	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if err := add(item); err != nil {
				return nil, err
			}
		}
	default:
		if err := add(t); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

// parseTruth maps the accepted true/false spellings onto a bool.
func parseTruth(raw json.RawMessage) (bool, bool) {
	v, err := decodeLoose(raw)
	if err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "t", "1", "yes", "y":
			return true, true
		case "false", "f", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

// normalizeText lowercases and collapses whitespace runs to a single space.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// textValues reads a string or a list of strings.
func textValues(raw json.RawMessage) ([]string, error) {
	v, err := decodeLoose(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case json.Number:
		return []string{t.String()}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case json.Number:
				out = append(out, s.String())
			default:
				return nil, errUnreadable
			}
		}
		return out, nil
	}
	return nil, errUnreadable
}

// pairMap reads matching pairs given either as {"left":"right"} or as
// [{"left":"...","right":"..."}].
func pairMap(raw json.RawMessage) (map[string]string, error) {
	v, err := decodeLoose(raw)
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]string)
	switch t := v.(type) {
	case map[string]any:
		for left, right := range t {
			r, ok := scalarString(right)
			if !ok {
				return nil, fmt.Errorf("pair %q: %w", left, errUnreadable)
			}
			pairs[normalizeText(left)] = normalizeText(r)
		}
	case []any:
		for i, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("pair %d: %w", i, errUnreadable)
			}
			l, okL := scalarString(obj["left"])
			r, okR := scalarString(obj["right"])
			if !okL || !okR {
				return nil, fmt.Errorf("pair %d: %w", i, errUnreadable)
			}
			pairs[normalizeText(l)] = normalizeText(r)
		}
	default:
		return nil, errUnreadable
	}
	return pairs, nil
}
