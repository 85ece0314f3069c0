package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
)

var (
	ErrNotFound  = errors.New("template not found")
	ErrDuplicate = errors.New("template id already exists")
	ErrInvalid   = errors.New("invalid template")
)

var (
	idRe          = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
)

// Template is a reusable notification payload with {{var}} placeholders.
type Template struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	EventType       string                `json:"event_type"`
	PayloadTemplate json.RawMessage       `json:"payload_template"`
	DefaultPriority notification.Priority `json:"default_priority"`
	DefaultTTL      *int64                `json:"default_ttl,omitempty"`
	Description     string                `json:"description,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Validate checks the template's identity fields.
func (t *Template) Validate() error {
	if !idRe.MatchString(t.ID) {
		return fmt.Errorf("%w: id must match [A-Za-z0-9_-]{1,64}", ErrInvalid)
	}
	if len(t.Name) < 1 || len(t.Name) > 256 {
		return fmt.Errorf("%w: name must be 1-256 characters", ErrInvalid)
	}
	if len(t.EventType) < 1 || len(t.EventType) > 128 {
		return fmt.Errorf("%w: event_type must be 1-128 characters", ErrInvalid)
	}
	if len(t.PayloadTemplate) == 0 || !json.Valid(t.PayloadTemplate) {
		return fmt.Errorf("%w: payload_template must be valid JSON", ErrInvalid)
	}
	return nil
}

// Store is the in-memory template registry.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewStore creates an empty template store.
func NewStore() *Store {
	return &Store{templates: make(map[string]Template)}
}

// Create adds a new template. Duplicate ids are rejected.
func (s *Store) Create(t Template) (Template, error) {
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	if t.DefaultPriority == "" {
		t.DefaultPriority = notification.PriorityNormal
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; exists {
		return Template{}, ErrDuplicate
	}
	s.templates[t.ID] = t
	return t, nil
}

// Get returns one template by id.
func (s *Store) Get(id string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

// Update replaces an existing template's content, preserving created_at.
func (s *Store) Update(id string, t Template) (Template, error) {
	t.ID = id
	if err := t.Validate(); err != nil {
		return Template{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	if t.DefaultPriority == "" {
		t.DefaultPriority = existing.DefaultPriority
	}
	s.templates[id] = t
	return t, nil
}

// Delete removes one template by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// List returns all templates sorted by id.
func (s *Store) List() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RenderResult carries the rendered payload and any placeholders left
// unresolved, which callers may reject upstream.
type RenderResult struct {
	Template Template
	Payload  json.RawMessage
	Missing  []string
}

// Render substitutes every {{name}} inside string values and object keys of
// the payload template. The JSON shape otherwise passes through unchanged;
// missing variables are left as the literal placeholder.
func (s *Store) Render(id string, variables map[string]interface{}) (RenderResult, error) {
	t, err := s.Get(id)
	if err != nil {
		return RenderResult{}, err
	}

	var payload interface{}
	if err := json.Unmarshal(t.PayloadTemplate, &payload); err != nil {
		return RenderResult{}, fmt.Errorf("%w: payload_template undecodable", ErrInvalid)
	}

	missing := make(map[string]struct{})
	rendered := substitute(payload, variables, missing)
	data, err := json.Marshal(rendered)
	if err != nil {
		return RenderResult{}, fmt.Errorf("render marshal: %w", err)
	}

	result := RenderResult{Template: t, Payload: data}
	for name := range missing {
		result.Missing = append(result.Missing, name)
	}
	sort.Strings(result.Missing)
	return result, nil
}

func substitute(value interface{}, variables map[string]interface{}, missing map[string]struct{}) interface{} {
	switch v := value.(type) {
	case string:
		return substituteString(v, variables, missing)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[substituteString(key, variables, missing)] = substitute(val, variables, missing)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = substitute(val, variables, missing)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, variables map[string]interface{}, missing map[string]struct{}) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		value, ok := variables[name]
		if !ok {
			missing[name] = struct{}{}
			return match
		}
		return canonical(value)
	})
}

// canonical renders a variable value as text: strings verbatim, numbers and
// booleans in their canonical form, null as empty, arrays and objects as
// their JSON text.
func canonical(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
