// Package extract pulls candidate citations out of raw AI provider
// response payloads. Provider response shapes are not controlled by this
// system, so extraction is tolerant: unknown shapes and unparsable entries
// are skipped, never surfaced as errors.
package extract

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/urlnorm"
)

// Shapes declares the field names recognized when walking a provider
// payload. Each list is checked in order; the first match wins.
type Shapes struct {
	// ArrayFields are top-level fields that may carry the citation array.
	ArrayFields []string `yaml:"array_fields"`
	// URLFields are the URL-bearing keys on object-shaped entries.
	URLFields []string `yaml:"url_fields"`
	// TitleFields are the optional title-bearing keys on object entries.
	TitleFields []string `yaml:"title_fields"`
}

// DefaultShapes covers the response layouts of the currently tracked
// providers.
func DefaultShapes() Shapes {
	return Shapes{
		ArrayFields: []string{"sources", "citations", "references"},
		URLFields:   []string{"url", "link", "uri"},
		TitleFields: []string{"title", "name", "label"},
	}
}

// LoadShapes reads shape overrides from a YAML file. Empty lists fall back
// to the defaults, so an override file may redefine just one dimension.
func LoadShapes(path string) (Shapes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Shapes{}, eris.Wrap(err, "extract: read shapes file")
	}

	var s Shapes
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Shapes{}, eris.Wrap(err, "extract: unmarshal shapes file")
	}

	def := DefaultShapes()
	if len(s.ArrayFields) == 0 {
		s.ArrayFields = def.ArrayFields
	}
	if len(s.URLFields) == 0 {
		s.URLFields = def.URLFields
	}
	if len(s.TitleFields) == 0 {
		s.TitleFields = def.TitleFields
	}
	return s, nil
}

// Extractor extracts citations from provider payloads.
type Extractor struct {
	shapes Shapes
}

// New creates an Extractor with the default provider shapes.
func New() *Extractor {
	return NewWithShapes(DefaultShapes())
}

// NewWithShapes creates an Extractor with custom shapes.
func NewWithShapes(shapes Shapes) *Extractor {
	return &Extractor{shapes: shapes}
}

// ExtractJSON decodes a raw JSON payload and extracts citations from it.
// Malformed JSON yields an empty list.
func (e *Extractor) ExtractJSON(data []byte) []model.Citation {
	if len(data) == 0 {
		return nil
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		zap.L().Debug("extract: payload is not valid JSON", zap.Error(err))
		return nil
	}
	return e.Extract(payload)
}

// Extract returns the citations found in a decoded provider payload,
// deduplicated by canonical URL with first-seen title winning. A nil or
// unrecognized payload yields an empty list.
func (e *Extractor) Extract(payload any) []model.Citation {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}

	entries := e.citationArray(obj)
	if len(entries) == 0 {
		return nil
	}

	var citations []model.Citation
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		rawURL, title := e.entryFields(entry)
		if rawURL == "" {
			continue
		}

		norm, err := urlnorm.Normalize(rawURL)
		if err != nil {
			// Unparsable entries are dropped at the smallest scope.
			continue
		}
		if seen[norm.CanonicalURL] {
			continue
		}
		seen[norm.CanonicalURL] = true

		citations = append(citations, model.Citation{
			URL:      norm.CanonicalURL,
			Hostname: norm.Hostname,
			Title:    title,
		})
	}

	return citations
}

// citationArray returns the first recognized citation array on the payload.
func (e *Extractor) citationArray(obj map[string]any) []any {
	for _, field := range e.shapes.ArrayFields {
		if v, ok := obj[field]; ok {
			if arr, ok := v.([]any); ok {
				return arr
			}
		}
	}
	return nil
}

// entryFields extracts the URL and optional title from one citation entry,
// which is either a bare URL string or an object with URL/title keys.
func (e *Extractor) entryFields(entry any) (rawURL, title string) {
	switch v := entry.(type) {
	case string:
		return v, ""
	case map[string]any:
		for _, field := range e.shapes.URLFields {
			if s, ok := v[field].(string); ok && s != "" {
				rawURL = s
				break
			}
		}
		for _, field := range e.shapes.TitleFields {
			if s, ok := v[field].(string); ok && s != "" {
				title = s
				break
			}
		}
		return rawURL, title
	default:
		return "", ""
	}
}
