// Package prompts renders the YAML prompt packs used by every stage.
package prompts

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
)

//go:embed templates
var builtin embed.FS

var (
	ErrUnknownTemplate = errors.New("unknown prompt template")
	ErrMissingVariable = errors.New("prompt variable missing")
)

// Template is the on-disk shape of a prompt pack.
type Template struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
	User        string `yaml:"user"`
}

// Entry is a parsed template with bookkeeping data.
type Entry struct {
	Template    Template
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time

	system *template.Template
	user   *template.Template
}

// LoadError aggregates per-file failures from a directory load.
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("prompt load failed: %s", strings.Join(e.Failures, "; "))
}

// Registry holds every prompt by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// New loads the embedded packs, then overlays YAML files from dir when dir is set.
// Overlay files replace embedded templates with the same name.
func New(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{entries: make(map[string]*Entry), logger: logger}
	if err := r.loadFS(builtin, "templates", "builtin", false); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := r.LoadDirectory(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDirectory overlays every YAML template under root.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat prompt directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("prompt path %s is not a directory", root)
	}
	return r.loadFS(os.DirFS(root), ".", "override", true)
}

func (r *Registry) loadFS(fsys fs.FS, root, source string, replace bool) error {
	var failures []string
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if err := r.add(data, path, source, replace); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk prompts: %w", err)
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

func decode(r io.Reader) (Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var tpl Template
	if err := dec.Decode(&tpl); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

func (r *Registry) add(data []byte, path, source string, replace bool) error {
	tpl, err := decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	name := strings.TrimSpace(tpl.Name)
	if name == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(tpl.User) == "" && strings.TrimSpace(tpl.System) == "" {
		return fmt.Errorf("template %s has neither system nor user text", name)
	}

	entry := &Entry{Template: tpl, SourcePath: path, LoadedAt: time.Now().UTC()}
	if tpl.System != "" {
		if entry.system, err = parse(name+"#system", tpl.System); err != nil {
			return err
		}
	}
	if tpl.User != "" {
		if entry.user, err = parse(name+"#user", tpl.User); err != nil {
			return err
		}
	}
	hash := sha256.Sum256(data)
	entry.ContentHash = hex.EncodeToString(hash[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists && !replace {
		return fmt.Errorf("duplicate template %q", name)
	}
	r.entries[name] = entry
	metrics.PromptsLoaded.WithLabelValues(source).Inc()
	r.logger.Debug("Prompt loaded", zap.String("name", name), zap.String("source", source))
	return nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return t, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names lists the loaded template names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply renders name with vars into chat messages. When vars["messages"] is a
// []llm.Message it is appended after the rendered turns.
func (r *Registry) Apply(name string, vars map[string]any) ([]llm.Message, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	var msgs []llm.Message
	if entry.system != nil {
		text, err := execute(entry.system, vars)
		if err != nil {
			return nil, fmt.Errorf("system prompt %s: %w", name, err)
		}
		msgs = append(msgs, llm.Message{Role: llm.MessageSystem, Content: text})
	}
	if entry.user != nil {
		text, err := execute(entry.user, vars)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
		msgs = append(msgs, llm.Message{Role: llm.MessageUser, Content: text})
	}
	if extra, ok := vars["messages"].([]llm.Message); ok {
		msgs = append(msgs, extra...)
	}
	return msgs, nil
}

func execute(t *template.Template, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %v", ErrMissingVariable, err)
		}
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
