// Package template renders named, per-language message templates with
// placeholder substitution, markup-safe escaping of untrusted values and a
// platform size ceiling.
package template

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "bookbot/pkg/logx"
	"bookbot/pkg/markup"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

type Config struct {
	// Dir optionally overlays/overrides the built-in tables.
	Dir             string
	DefaultLanguage string
}

// Template is one entry of a language table.
type Template struct {
	Text     string   `yaml:"text"`
	Required []string `yaml:"required"`
}

type languageFile struct {
	Language  string              `yaml:"language"`
	Templates map[string]Template `yaml:"templates"`
}

// Engine holds the compiled per-language tables. Safe for concurrent use;
// Reload swaps tables atomically under the lock.
type Engine struct {
	cfg Config
	log logx.Logger

	mu sync.RWMutex
	// tables[templateID][language]
	tables map[string]map[string]Template
}

func New(cfg Config, log logx.Logger) (*Engine, error) {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{cfg: cfg, log: log}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the tables from the built-ins plus the overlay dir.
// A broken overlay file fails the whole reload so a half-applied table
// never goes live.
func (e *Engine) Reload() error {
	tables := map[string]map[string]Template{}

	if err := loadFS(builtinFS, "builtin", tables); err != nil {
		return fmt.Errorf("template: builtin tables: %w", err)
	}
	if dir := strings.TrimSpace(e.cfg.Dir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := loadFS(os.DirFS(dir), ".", tables); err != nil {
				return fmt.Errorf("template: overlay dir %s: %w", dir, err)
			}
		}
	}

	e.mu.Lock()
	e.tables = tables
	e.mu.Unlock()
	return nil
}

func loadFS(fsys fs.FS, root string, tables map[string]map[string]Template) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		b, err := fs.ReadFile(fsys, filepath.Join(root, ent.Name()))
		if err != nil {
			return err
		}
		var lf languageFile
		if err := yaml.Unmarshal(b, &lf); err != nil {
			return fmt.Errorf("%s: %w", ent.Name(), err)
		}
		lang := strings.TrimSpace(lf.Language)
		if lang == "" {
			return fmt.Errorf("%s: missing language", ent.Name())
		}
		for id, t := range lf.Templates {
			if strings.TrimSpace(t.Text) == "" {
				return fmt.Errorf("%s: template %q has empty text", ent.Name(), id)
			}
			if tables[id] == nil {
				tables[id] = map[string]Template{}
			}
			tables[id][lang] = t
		}
	}
	return nil
}

// lookup returns the template for (id, lang), falling back to the default
// language and then to any available language.
func (e *Engine) lookup(id, lang string) (Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	langs, ok := e.tables[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	if t, ok := langs[lang]; ok {
		return t, nil
	}
	if t, ok := langs[e.cfg.DefaultLanguage]; ok {
		return t, nil
	}
	// Deterministic pick when even the default language is absent.
	keys := make([]string, 0, len(langs))
	for k := range langs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return langs[keys[0]], nil
}

// ValidateData checks that every required field of template id is present
// and non-empty. Returns *MissingFieldsError naming the absent fields.
func (e *Engine) ValidateData(id string, data map[string]any) error {
	t, err := e.lookup(id, e.cfg.DefaultLanguage)
	if err != nil {
		return err
	}
	var missing []string
	for _, f := range t.Required {
		v, ok := data[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingFieldsError{TemplateID: id, Fields: missing}
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// Render validates data against the template's required fields, substitutes
// {placeholders} with markup-escaped values and truncates the result to the
// platform ceiling.
func (e *Engine) Render(id, lang string, data map[string]any) (string, error) {
	if err := e.ValidateData(id, data); err != nil {
		return "", err
	}
	t, err := e.lookup(id, lang)
	if err != nil {
		return "", err
	}

	out := placeholderRe.ReplaceAllStringFunc(t.Text, func(ph string) string {
		key := ph[1 : len(ph)-1]
		v, ok := data[key]
		if !ok {
			// Optional placeholder with no value renders empty.
			return ""
		}
		return string(markup.Esc(formatValue(v)))
	})
	out = strings.TrimSpace(out)
	return markup.TruncBytes(out, markup.MaxMessageBytes), nil
}

// RenderJSON is Render for data stored as raw JSON (queue re-renders on
// retry from the persisted template metadata).
func (e *Engine) RenderJSON(id, lang string, raw json.RawMessage) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("template: decode data: %w", err)
	}
	return e.Render(id, lang, data)
}

// Has reports whether a template id exists (any language).
func (e *Engine) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tables[id]
	return ok
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, it := range x {
			parts = append(parts, formatValue(it))
		}
		return strings.Join(parts, ", ")
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// trailing ".0" so prices and counts read naturally.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
