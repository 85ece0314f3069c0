package template

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validTemplate() Template {
	return Template{
		ID:              "welcome",
		Name:            "Welcome",
		EventType:       "user.welcome",
		PayloadTemplate: json.RawMessage(`{"title":"Hello {{name}}"}`),
	}
}

func TestCreateValidation(t *testing.T) {
	s := NewStore()

	cases := []struct {
		name   string
		mutate func(*Template)
	}{
		{"bad id", func(tp *Template) { tp.ID = "has space" }},
		{"empty name", func(tp *Template) { tp.Name = "" }},
		{"long name", func(tp *Template) { tp.Name = strings.Repeat("x", 257) }},
		{"empty event type", func(tp *Template) { tp.EventType = "" }},
		{"invalid payload", func(tp *Template) { tp.PayloadTemplate = json.RawMessage(`{"broken"`) }},
	}
	for _, tc := range cases {
		tp := validTemplate()
		tp.PayloadTemplate = json.RawMessage(`{"k":"v"}`)
		tc.mutate(&tp)
		if _, err := s.Create(tp); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
}

func TestCreateDuplicateAndDelete(t *testing.T) {
	s := NewStore()
	tp := validTemplate()
	tp.PayloadTemplate = json.RawMessage(`{"k":"v"}`)

	created, err := s.Create(tp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.DefaultPriority != "Normal" {
		t.Fatalf("expected Normal default priority, got %v", created.DefaultPriority)
	}
	if _, err := s.Create(tp); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if err := s.Delete("welcome"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("welcome"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenderSubstitution(t *testing.T) {
	s := NewStore()
	_, err := s.Create(Template{
		ID:        "order",
		Name:      "Order update",
		EventType: "order.updated",
		PayloadTemplate: json.RawMessage(`{
			"title": "Order {{order_id}} for {{user}}",
			"{{key_name}}": "nested {{user}}",
			"amount": "{{amount}}",
			"flags": "{{flags}}",
			"nothing": "{{gone}}",
			"items": ["{{user}}", {"deep": "{{order_id}}"}],
			"static": 42
		}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := s.Render("order", map[string]interface{}{
		"order_id": float64(1001),
		"user":     "alice",
		"key_name": "custom",
		"amount":   3.5,
		"flags":    []interface{}{"a", "b"},
		"gone":     nil,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(result.Missing) != 0 {
		t.Fatalf("expected no missing variables, got %v", result.Missing)
	}

	require.JSONEq(t, `{
		"title": "Order 1001 for alice",
		"custom": "nested alice",
		"amount": "3.5",
		"flags": "[\"a\",\"b\"]",
		"nothing": "",
		"items": ["alice", {"deep": "1001"}],
		"static": 42
	}`, string(result.Payload))
}

func TestRenderMissingVariables(t *testing.T) {
	s := NewStore()
	_, err := s.Create(Template{
		ID:              "partial",
		Name:            "Partial",
		EventType:       "x",
		PayloadTemplate: json.RawMessage(`{"msg":"hello {{who}} from {{where}}"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := s.Render("partial", map[string]interface{}{"who": "bob"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(result.Missing) != 1 || result.Missing[0] != "where" {
		t.Fatalf("expected missing [where], got %v", result.Missing)
	}

	var got map[string]string
	_ = json.Unmarshal(result.Payload, &got)
	if got["msg"] != "hello bob from {{where}}" {
		t.Fatalf("missing variables must stay literal, got %q", got["msg"])
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s := NewStore()
	tp := validTemplate()
	tp.PayloadTemplate = json.RawMessage(`{"k":"v"}`)
	created, err := s.Create(tp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tp.Name = "Welcome v2"
	updated, err := s.Update("welcome", tp)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("update must preserve created_at")
	}
	if updated.Name != "Welcome v2" {
		t.Fatalf("update did not apply")
	}

	if _, err := s.Update("missing", tp); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenderNotFound(t *testing.T) {
	s := NewStore()
	if _, err := s.Render("nope", nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
