// Package check evaluates named assertions against responses. A failing or
// misbehaving predicate is recorded as a failed outcome and never escapes to
// the caller.
package check

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/pkg/errors"

	"surge/internal/httpexec"
)

// Predicate decides whether a response passes. Returning an error marks the
// check failed and keeps the error for diagnostics.
type Predicate func(res httpexec.Result) (bool, error)

// Check is a named predicate as declared in a scenario.
type Check struct {
	Name      string
	Predicate Predicate
}

// Outcome is produced once per evaluation.
type Outcome struct {
	Name   string
	Passed bool
	Err    error
}

// Evaluate runs p against res. Panics inside p are recovered.
func Evaluate(name string, p Predicate, res httpexec.Result) (out Outcome) {
	out.Name = name
	if p == nil {
		out.Err = errors.New("nil predicate")
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out.Passed = false
			out.Err = errors.Errorf("predicate panicked: %v", r)
		}
	}()

	ok, err := p(res)
	if err != nil {
		out.Err = err
		return out
	}
	out.Passed = ok
	return out
}

// EvaluateAll evaluates every check independently, in declaration order.
func EvaluateAll(checks []Check, res httpexec.Result) []Outcome {
	out := make([]Outcome, 0, len(checks))
	for _, c := range checks {
		out = append(out, Evaluate(c.Name, c.Predicate, res))
	}
	return out
}

func StatusIs(code int) Predicate {
	return func(res httpexec.Result) (bool, error) {
		return res.StatusCode == code, nil
	}
}

func StatusIn(codes ...int) Predicate {
	return func(res httpexec.Result) (bool, error) {
		for _, c := range codes {
			if res.StatusCode == c {
				return true, nil
			}
		}
		return false, nil
	}
}

func BodyContains(s string) Predicate {
	needle := []byte(s)
	return func(res httpexec.Result) (bool, error) {
		return bytes.Contains(res.Body, needle), nil
	}
}

func BodyMatches(re *regexp.Regexp) Predicate {
	return func(res httpexec.Result) (bool, error) {
		return re.Match(res.Body), nil
	}
}

func LatencyBelow(d time.Duration) Predicate {
	return func(res httpexec.Result) (bool, error) {
		return res.Err == nil && res.Latency < d, nil
	}
}

var jsonLang = gval.Full(jsonpath.PlaceholderExtension())

// JSONPath evaluates a JSONPath expression (e.g. $.data.items[0].id) on the
// JSON body and compares the result to want. A nil want only requires the
// path to resolve.
func JSONPath(expr string, want interface{}) (Predicate, error) {
	eval, err := jsonLang.NewEvaluable(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse json path %q", expr)
	}
	return func(res httpexec.Result) (bool, error) {
		var doc interface{}
		if err := json.Unmarshal(res.Body, &doc); err != nil {
			return false, errors.Wrap(err, "decode body")
		}
		got, err := eval(context.Background(), doc)
		if err != nil {
			return false, errors.Wrapf(err, "eval %q", expr)
		}
		if want == nil {
			return got != nil, nil
		}
		return looseEqual(got, want), nil
	}, nil
}

// looseEqual compares decoded JSON against a Go value; numbers compare by
// value and everything else by its printed form.
func looseEqual(got, want interface{}) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
