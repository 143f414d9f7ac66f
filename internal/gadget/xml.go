package gadget

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

type xmlModule struct {
	XMLName xml.Name       `xml:"Module"`
	Prefs   xmlModulePrefs `xml:"ModulePrefs"`
	Content []xmlContent   `xml:"Content"`
}

type xmlModulePrefs struct {
	Title       string `xml:"title,attr"`
	Description string `xml:"description,attr"`
}

type xmlContent struct {
	Type string `xml:"type,attr"`
	View string `xml:"view,attr"`
	Href string `xml:"href,attr"`
	Body string `xml:",chardata"`
}

// ErrMalformedSpec reports a gadget document that cannot be parsed.
var ErrMalformedSpec = errors.New("gadget: malformed spec")

// ParseXML parses a gadget XML document fetched from gadgetURL. Content
// elements may list several comma separated views; a Content without a view
// attribute defines the default view.
func ParseXML(gadgetURL string, data []byte) (*Spec, error) {
	var module xmlModule
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true
	if err := decoder.Decode(&module); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSpec, gadgetURL, err)
	}
	if len(module.Content) == 0 {
		return nil, fmt.Errorf("%w: %s: no Content section", ErrMalformedSpec, gadgetURL)
	}

	views := make(map[string]View)
	for _, content := range module.Content {
		viewType := ViewType(strings.ToLower(strings.TrimSpace(content.Type)))
		if viewType == "" {
			viewType = ViewHTML
		}
		switch viewType {
		case ViewHTML:
		case ViewURL:
			if strings.TrimSpace(content.Href) == "" {
				return nil, fmt.Errorf("%w: %s: url content requires href", ErrMalformedSpec, gadgetURL)
			}
		default:
			return nil, fmt.Errorf("%w: %s: unsupported content type %q", ErrMalformedSpec, gadgetURL, content.Type)
		}

		names := splitViews(content.View)
		for _, name := range names {
			existing, seen := views[name]
			if seen && (existing.Type != ViewHTML || viewType != ViewHTML) {
				return nil, fmt.Errorf("%w: %s: view %q declared twice", ErrMalformedSpec, gadgetURL, name)
			}
			if seen {
				// Repeated html sections for a view concatenate.
				existing.Content += content.Body
				views[name] = existing
				continue
			}
			views[name] = View{
				Name:    name,
				Type:    viewType,
				Content: content.Body,
				Href:    strings.TrimSpace(content.Href),
			}
		}
	}

	return &Spec{
		URL:         gadgetURL,
		Name:        gadgetURL,
		Title:       strings.TrimSpace(module.Prefs.Title),
		Description: strings.TrimSpace(module.Prefs.Description),
		Views:       views,
		Checksum:    Checksum(views),
		Origin:      OriginRemote,
	}, nil
}

func splitViews(raw string) []string {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return []string{DefaultViewName}
	}
	return names
}
