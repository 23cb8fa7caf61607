// Package prompts holds the prompt templates sent to the completion model.
// Defaults are embedded; any template can be replaced by a file of the same
// name in an override directory.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Key names one prompt template
type Key string

// Prompt keys
const (
	NormalizeSystem Key = "normalize_system"
	NormalizeUser   Key = "normalize_user"
	SummarySystem   Key = "summary_system"
	GuidanceSystem  Key = "guidance_system"
)

// Stages with role-specific user prompts
const (
	StageSummary  = "summary"
	StageGuidance = "guidance"
)

// ErrUnknownPrompt is returned when no template exists for a key
var ErrUnknownPrompt = errors.New("unknown prompt")

// RoleKey returns the user prompt key for a stage and role,
// e.g. RoleKey("summary", "patient") is "summary_patient".
func RoleKey(stage, role string) Key {
	return Key(stage + "_" + role)
}

// Data is interpolated into templates verbatim
type Data struct {
	Text    string // combined OCR text
	Records string // formatted store blocks, or the raw record text
	Summary string // generated summary
}

// Set is a loaded collection of prompt templates
type Set struct {
	templates map[Key]*template.Template
}

// Load parses the embedded templates, then any *.tmpl files in dir that
// override them. An empty dir uses the embedded defaults only.
func Load(dir string) (*Set, error) {
	s := &Set{templates: make(map[Key]*template.Template)}

	defaults, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, fmt.Errorf("opening embedded templates: %w", err)
	}
	if err := s.loadFS(defaults); err != nil {
		return nil, err
	}

	if dir == "" {
		return s, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("reading prompts directory: %w", err)
	}
	if err := s.loadFS(os.DirFS(dir)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) loadFS(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return fmt.Errorf("listing templates: %w", err)
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", name, err)
		}
		key := Key(name[:len(name)-len(filepath.Ext(name))])
		tmpl, err := template.New(string(key)).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}
		s.templates[key] = tmpl
	}
	return nil
}

// Has reports whether a template exists for key
func (s *Set) Has(key Key) bool {
	_, ok := s.templates[key]
	return ok
}

// Render executes the template for key with data
func (s *Set) Render(key Key, data Data) (string, error) {
	tmpl, ok := s.templates[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", key, err)
	}
	return buf.String(), nil
}
