// Package scenario turns a declarative request description into a
// runner.Scenario: one templated HTTP request per iteration, a list of checks
// against its result and an optional pause.
package scenario

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"surge/internal/check"
	"surge/internal/httpexec"
	"surge/internal/runner"
)

var ErrInvalidDefinition = errors.New("invalid scenario definition")

// Check types understood by CheckDef.Type.
const (
	CheckStatus       = "status"
	CheckBodyContains = "body_contains"
	CheckJSONPath     = "json_path"
	CheckMaxLatency   = "max_latency"
)

type CheckDef struct {
	Name       string        `mapstructure:"name" json:"name,omitempty"`
	Type       string        `mapstructure:"type" json:"type"`
	Status     int           `mapstructure:"status" json:"status,omitempty"`
	Contains   string        `mapstructure:"contains" json:"contains,omitempty"`
	Path       string        `mapstructure:"path" json:"path,omitempty"`
	Equals     interface{}   `mapstructure:"equals" json:"equals,omitempty"`
	MaxLatency time.Duration `mapstructure:"max_latency" json:"max_latency,omitempty"`
}

// Definition is loaded from flags or a config file.
type Definition struct {
	Name    string            `mapstructure:"name" json:"name,omitempty"`
	Method  string            `mapstructure:"method" json:"method"`
	URL     string            `mapstructure:"url" json:"url"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Body    string            `mapstructure:"body" json:"body,omitempty"`
	Checks  []CheckDef        `mapstructure:"checks" json:"checks,omitempty"`
	// Sleep is paused at the end of every iteration.
	Sleep time.Duration `mapstructure:"sleep" json:"sleep,omitempty"`
}

// HTTPScenario is immutable after New and safe to share between VUs.
type HTTPScenario struct {
	def    Definition
	engine *TemplateEngine
	header http.Header
	checks []check.Check

	url, body *template.Template
	headers   map[string]*template.Template
}

var _ runner.Scenario = (*HTTPScenario)(nil)

// New validates def and compiles its templates and checks.
func New(def Definition) (*HTTPScenario, error) {
	if def.URL == "" {
		return nil, errors.Wrap(ErrInvalidDefinition, "url is required")
	}
	if !IsTemplate(def.URL) {
		u, err := url.Parse(def.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.Wrapf(ErrInvalidDefinition, "bad url %q", def.URL)
		}
	}
	if def.Method == "" {
		def.Method = http.MethodGet
	}
	def.Method = strings.ToUpper(def.Method)
	if def.Sleep < 0 {
		return nil, errors.Wrapf(ErrInvalidDefinition, "negative sleep %s", def.Sleep)
	}

	s := &HTTPScenario{
		def:     def,
		engine:  NewTemplateEngine(),
		header:  make(http.Header),
		headers: make(map[string]*template.Template),
	}

	var err error
	if IsTemplate(def.URL) {
		if s.url, err = s.engine.Parse("url", def.URL); err != nil {
			return nil, errors.Wrap(ErrInvalidDefinition, err.Error())
		}
	}
	if IsTemplate(def.Body) {
		if s.body, err = s.engine.Parse("body", def.Body); err != nil {
			return nil, errors.Wrap(ErrInvalidDefinition, err.Error())
		}
	}
	for k, v := range def.Headers {
		if IsTemplate(v) {
			t, err := s.engine.Parse("header "+k, v)
			if err != nil {
				return nil, errors.Wrap(ErrInvalidDefinition, err.Error())
			}
			s.headers[k] = t
			continue
		}
		s.header.Set(k, v)
	}

	for i, cd := range def.Checks {
		c, err := compileCheck(cd)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDefinition, "check %d: %v", i, err)
		}
		s.checks = append(s.checks, c)
	}
	return s, nil
}

func (s *HTTPScenario) Definition() Definition {
	return s.def
}

// Iterate renders and sends the request, evaluates the checks in declaration
// order and pauses for Sleep.
func (s *HTTPScenario) Iterate(ctx context.Context, it *runner.Iteration) error {
	spec, err := s.Render(TemplateData{VU: it.VU(), Iter: it.Number(), UUID: uuid.NewString()})
	if err != nil {
		return err
	}

	res := it.Request(spec)
	it.Checks(res, s.checks...)

	if s.def.Sleep > 0 {
		it.Sleep(s.def.Sleep)
	}
	return nil
}

// Render builds the request for one iteration.
func (s *HTTPScenario) Render(data TemplateData) (httpexec.RequestSpec, error) {
	spec := httpexec.RequestSpec{
		Name:   s.def.Name,
		Method: s.def.Method,
		URL:    s.def.URL,
		Header: s.header.Clone(),
	}
	if spec.Name == "" {
		spec.Name = s.def.Method + " " + s.def.URL
	}

	var err error
	if s.url != nil {
		if spec.URL, err = s.engine.Execute(s.url, data); err != nil {
			return spec, err
		}
	}
	body := s.def.Body
	if s.body != nil {
		if body, err = s.engine.Execute(s.body, data); err != nil {
			return spec, err
		}
	}
	if body != "" {
		spec.Body = []byte(body)
	}
	for k, t := range s.headers {
		v, err := s.engine.Execute(t, data)
		if err != nil {
			return spec, err
		}
		spec.Header.Set(k, v)
	}
	return spec, nil
}

func compileCheck(cd CheckDef) (check.Check, error) {
	c := check.Check{Name: cd.Name}
	switch cd.Type {
	case CheckStatus:
		if cd.Status < 100 || cd.Status > 599 {
			return c, errors.Errorf("status %d out of range", cd.Status)
		}
		c.Predicate = check.StatusIs(cd.Status)
		if c.Name == "" {
			c.Name = fmt.Sprintf("status is %d", cd.Status)
		}
	case CheckBodyContains:
		if cd.Contains == "" {
			return c, errors.New("body_contains needs a non-empty contains")
		}
		c.Predicate = check.BodyContains(cd.Contains)
		if c.Name == "" {
			c.Name = fmt.Sprintf("body contains %q", cd.Contains)
		}
	case CheckJSONPath:
		p, err := check.JSONPath(cd.Path, cd.Equals)
		if err != nil {
			return c, err
		}
		c.Predicate = p
		if c.Name == "" && cd.Equals == nil {
			c.Name = cd.Path + " exists"
		} else if c.Name == "" {
			c.Name = fmt.Sprintf("%s == %v", cd.Path, cd.Equals)
		}
	case CheckMaxLatency:
		if cd.MaxLatency <= 0 {
			return c, errors.New("max_latency must be positive")
		}
		c.Predicate = check.LatencyBelow(cd.MaxLatency)
		if c.Name == "" {
			c.Name = fmt.Sprintf("latency < %s", cd.MaxLatency)
		}
	default:
		return c, errors.Errorf("unknown check type %q", cd.Type)
	}
	return c, nil
}
