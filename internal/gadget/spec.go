package gadget

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/l0p7/gadgetrender/internal/expr"
	"github.com/l0p7/gadgetrender/internal/templates"
)

// ViewType selects how a view is rendered.
type ViewType string

const (
	// ViewHTML renders markup inline.
	ViewHTML ViewType = "html"
	// ViewURL redirects the iframe to an external page.
	ViewURL ViewType = "url"
)

// DefaultViewName is used when a request names no view or an unknown one
// falls back.
const DefaultViewName = "default"

// Origin records where a spec was loaded from.
type Origin string

const (
	OriginRegistry Origin = "registry"
	OriginRemote   Origin = "remote"
)

// View is one renderable surface of a gadget.
type View struct {
	Name    string
	Type    ViewType
	Content string
	Href    string
	// Template is set for registered html views; remote views render Content
	// with user preference substitution only.
	Template *templates.Template
}

// Spec is a compiled gadget definition.
type Spec struct {
	URL         string
	Name        string
	Title       string
	Description string
	Allow       expr.Program
	Views       map[string]View
	Checksum    string
	Origin      Origin
}

// View returns the named view, falling back to the default view.
func (s *Spec) View(name string) (View, bool) {
	if s == nil {
		return View{}, false
	}
	if v, ok := s.Views[name]; ok {
		return v, true
	}
	v, ok := s.Views[DefaultViewName]
	return v, ok
}

// ViewNames lists the declared views in sorted order.
func (s *Spec) ViewNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Views))
	for name := range s.Views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attributes exposes spec metadata to allow rules as the gadget variable.
func (s *Spec) Attributes() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	views := s.ViewNames()
	viewList := make([]any, 0, len(views))
	for _, v := range views {
		viewList = append(viewList, v)
	}
	return map[string]any{
		"url":         s.URL,
		"name":        s.Name,
		"title":       s.Title,
		"description": s.Description,
		"views":       viewList,
		"checksum":    s.Checksum,
		"origin":      string(s.Origin),
	}
}

// Checksum hashes the renderable content of views so that any markup or
// redirect change yields a new value.
func Checksum(views map[string]View) string {
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		v := views[name]
		content := v.Content
		if v.Template != nil {
			content = v.Template.Source()
		}
		_, _ = h.Write([]byte(strings.Join([]string{name, string(v.Type), content, v.Href}, "\x00")))
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
