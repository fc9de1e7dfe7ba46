package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PrevRef names the step that ran immediately before the current one.
const PrevRef = "prev"

// Reference points at a prior step's result: $<step>.result.<path>, $prev,
// or the braced form ${<step>.result.<path>} for use inside longer strings.
type Reference struct {
	Raw  string
	Step string
	Path []string
}

// Step names start with a letter or underscore so amounts like "$5" are left alone.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_\-]*)((?:\.[A-Za-z0-9_\-]+)*)\}|\$([A-Za-z_][A-Za-z0-9_\-]*)((?:\.[A-Za-z0-9_\-]+)*)`)

func parseMatch(raw string, sub []string) (Reference, error) {
	step, rest := sub[1], sub[2]
	if step == "" {
		step, rest = sub[3], sub[4]
	}
	ref := Reference{Raw: raw, Step: step}
	if rest == "" {
		return ref, nil
	}
	segs := strings.Split(strings.TrimPrefix(rest, "."), ".")
	if segs[0] != "result" {
		return ref, fmt.Errorf("reference %q: expected .result after step", raw)
	}
	ref.Path = segs[1:]
	return ref, nil
}

// ParseExactReference reports whether s is exactly one reference.
func ParseExactReference(s string) (Reference, bool, error) {
	loc := refPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return Reference{}, false, nil
	}
	sub := refPattern.FindStringSubmatch(s)
	ref, err := parseMatch(s, sub)
	return ref, true, err
}

// FindReferences returns every reference embedded in s.
func FindReferences(s string) ([]Reference, error) {
	var out []Reference
	for _, sub := range refPattern.FindAllStringSubmatch(s, -1) {
		ref, err := parseMatch(sub[0], sub)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// ReplaceReferences rewrites every reference in s with fn's result.
func ReplaceReferences(s string, fn func(Reference) (string, error)) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(raw string) string {
		if firstErr != nil {
			return raw
		}
		ref, err := parseMatch(raw, refPattern.FindStringSubmatch(raw))
		if err == nil {
			var v string
			v, err = fn(ref)
			if err == nil {
				return v
			}
		}
		firstErr = err
		return raw
	})
	return out, firstErr
}

// MapStrings visits every string-valued field of the operation, including
// nested values of data and query maps, and replaces it with the result of fn.
// fn may return a non-string value, which is only kept where the field is
// untyped (inside data and query).
func (o Operation) MapStrings(fn func(s string) (any, error)) (Operation, error) {
	out := o.Clone()
	str := func(p *string) error {
		if *p == "" {
			return nil
		}
		v, err := fn(*p)
		if err != nil {
			return err
		}
		switch t := v.(type) {
		case string:
			*p = t
		default:
			*p = fmt.Sprint(t)
		}
		return nil
	}
	var err error
	switch out.Kind {
	case OpAccess:
		if out.Access != nil {
			for _, p := range []*string{&out.Access.URL, &out.Access.ResourceType, &out.Access.ResourceID} {
				if err = str(p); err != nil {
					return o, err
				}
			}
		}
	case OpState:
		if out.State != nil {
			for _, p := range []*string{&out.State.ResourceType, &out.State.ResourceID} {
				if err = str(p); err != nil {
					return o, err
				}
			}
			if out.State.Data, err = mapValues(out.State.Data, fn); err != nil {
				return o, err
			}
		}
	case OpObservation:
		if out.Observation != nil {
			for _, p := range []*string{&out.Observation.ResourceType, &out.Observation.ResourceID} {
				if err = str(p); err != nil {
					return o, err
				}
			}
			if out.Observation.Query, err = mapValues(out.Observation.Query, fn); err != nil {
				return o, err
			}
		}
	}
	return out, nil
}

func mapValues(m map[string]any, fn func(string) (any, error)) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := mapValue(m[k], fn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

func mapValue(v any, fn func(string) (any, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		return mapValues(t, fn)
	case []any:
		for i := range t {
			nv, err := mapValue(t[i], fn)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t[i] = nv
		}
		return t, nil
	}
	return v, nil
}

// References lists every variable reference used by the operation.
func (o Operation) References() ([]Reference, error) {
	var refs []Reference
	_, err := o.MapStrings(func(s string) (any, error) {
		found, err := FindReferences(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, found...)
		return s, nil
	})
	return refs, err
}
