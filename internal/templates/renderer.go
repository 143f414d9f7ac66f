package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles gadget view markup with html/template so interpolated
// request data is contextually escaped. File-backed templates resolve through
// the sandbox root to prevent traversal.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template represents compiled view markup ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name   string
	source string
	tmpl   *template.Template
}

// NewRenderer constructs a renderer bound to the provided sandbox. When the
// sandbox is nil, inline templates remain available and file-backed templates
// are disabled.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.HtmlFuncMap()
	// Gadget markup never reads the process environment or the filesystem
	// outside the sandbox.
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Sandbox exposes the renderer's sandbox primarily for observability and
// testing.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error so views without markup stay optional.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, source: source, tmpl: tmpl}, nil
}

// CompileFile resolves and parses a template file via the sandbox. The path
// may be absolute or relative to the sandbox root.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, resolved, err := r.sandbox.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := r.CompileInline(filepath.Base(resolved), string(contents))
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("templates: %q is empty", path)
	}
	return tmpl, nil
}

// Render executes the template with the supplied data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Source returns the unparsed markup. Gadget checksums are computed over it.
func (t *Template) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}
