package check

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surge/internal/httpexec"
)

func TestEvaluatePassAndFail(t *testing.T) {
	res := httpexec.Result{StatusCode: http.StatusOK, Body: []byte("hello world")}

	assert.Equal(t, Outcome{Name: "status is 200", Passed: true}, Evaluate("status is 200", StatusIs(200), res))
	assert.Equal(t, Outcome{Name: "status is 404"}, Evaluate("status is 404", StatusIs(404), res))
	assert.True(t, Evaluate("in", StatusIn(201, 200), res).Passed)
	assert.True(t, Evaluate("contains", BodyContains("world"), res).Passed)
	assert.False(t, Evaluate("contains", BodyContains("mars"), res).Passed)
	assert.True(t, Evaluate("matches", BodyMatches(regexp.MustCompile(`^hello\s`)), res).Passed)
}

func TestEvaluateCapturesPredicateErrors(t *testing.T) {
	boom := errors.New("boom")
	out := Evaluate("errs", func(httpexec.Result) (bool, error) { return true, boom }, httpexec.Result{})
	assert.False(t, out.Passed)
	assert.Equal(t, boom, out.Err)
}

func TestEvaluateRecoversPanics(t *testing.T) {
	out := Evaluate("nil header", func(res httpexec.Result) (bool, error) {
		var m map[string]string
		m["x"] = "y" // nil map write panics
		return true, nil
	}, httpexec.Result{})
	assert.False(t, out.Passed)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")

	out = Evaluate("nil", nil, httpexec.Result{})
	assert.False(t, out.Passed)
	assert.Error(t, out.Err)
}

func TestEvaluateAllKeepsOrderAndIndependence(t *testing.T) {
	res := httpexec.Result{StatusCode: 500}
	outs := EvaluateAll([]Check{
		{Name: "a", Predicate: StatusIs(200)},
		{Name: "b", Predicate: func(httpexec.Result) (bool, error) { panic("bad") }},
		{Name: "c", Predicate: StatusIs(500)},
	}, res)

	require.Len(t, outs, 3)
	assert.Equal(t, "a", outs[0].Name)
	assert.False(t, outs[0].Passed)
	assert.Equal(t, "b", outs[1].Name)
	assert.Error(t, outs[1].Err)
	assert.Equal(t, "c", outs[2].Name)
	assert.True(t, outs[2].Passed)
}

func TestJSONPath(t *testing.T) {
	res := httpexec.Result{Body: []byte(`{"slug":"hi","tags":["a","b"],"views":3}`)}

	p, err := JSONPath("$.slug", "hi")
	require.NoError(t, err)
	assert.True(t, Evaluate("slug", p, res).Passed)

	p, err = JSONPath("$.views", 3)
	require.NoError(t, err)
	assert.True(t, Evaluate("views", p, res).Passed)

	p, err = JSONPath("$.tags[1]", nil)
	require.NoError(t, err)
	assert.True(t, Evaluate("tag exists", p, res).Passed)

	p, err = JSONPath("$.slug", "bye")
	require.NoError(t, err)
	assert.False(t, Evaluate("slug", p, res).Passed)

	out := Evaluate("not json", p, httpexec.Result{Body: []byte("<html>")})
	assert.False(t, out.Passed)
	assert.Error(t, out.Err)
}

func TestLatencyBelow(t *testing.T) {
	assert.True(t, Evaluate("fast", LatencyBelow(time.Second), httpexec.Result{Latency: time.Millisecond}).Passed)
	assert.False(t, Evaluate("fast", LatencyBelow(time.Millisecond), httpexec.Result{Latency: time.Second}).Passed)
}
