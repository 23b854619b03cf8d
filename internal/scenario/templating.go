package scenario

import (
	"bufio"
	"bytes"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TemplateEngine renders request fields per iteration.
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is what a template can refer to.
type TemplateData struct {
	VU   int
	Iter uint64
	UUID string
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
	}
	return e
}

// Preprocess turns the short forms ({{vu}}, {{iter}}, {{uuid}}) into field
// references. Templates already using {{.VU}} are left alone.
func (e *TemplateEngine) Preprocess(input string) string {
	r := strings.NewReplacer(
		"{{vu}}", "{{.VU}}",
		"{{userID}}", "{{.VU}}",
		"{{iter}}", "{{.Iter}}",
		"{{uuid}}", "{{.UUID}}",
		"{{requestID}}", "{{.UUID}}",
	)
	return r.Replace(input)
}

func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(e.Preprocess(text))
	if err != nil {
		return nil, errors.Wrapf(err, "parse template %q", name)
	}
	return t, nil
}

func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render template %q", t.Name())
	}
	return buf.String(), nil
}

// IsTemplate reports whether s needs rendering at all.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	lines, err := e.lines(filename)
	if err != nil || len(lines) == 0 {
		return "", err
	}
	return lines[rand.Intn(len(lines))], nil
}

// lines loads filename once and caches its non-empty lines.
func (e *TemplateEngine) lines(filename string) ([]string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()
	if ok {
		return lines, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if lines, ok = e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", filename)
	}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	e.fileCache[filename] = lines
	return lines, nil
}
