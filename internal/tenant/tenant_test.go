package tenant

import (
	"testing"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

func newManager(enabled bool) *Manager {
	cfg := DefaultConfig()
	cfg.Enabled = enabled
	registry := connection.NewRegistry(connection.DefaultLimits(), logging.NewLogger())
	return NewManager(cfg, registry)
}

func TestResolve(t *testing.T) {
	disabled := newManager(false)
	if got := disabled.Resolve("acme"); got != DefaultTenant {
		t.Fatalf("disabled multi-tenancy must resolve to default, got %q", got)
	}

	enabled := newManager(true)
	if got := enabled.Resolve("acme"); got != "acme" {
		t.Fatalf("expected acme, got %q", got)
	}
	if got := enabled.Resolve(""); got != DefaultTenant {
		t.Fatalf("empty claim resolves to default, got %q", got)
	}
}

func TestChannelNamespacing(t *testing.T) {
	m := newManager(true)

	if got := m.NamespaceChannel("acme", "ops"); got != "acme:ops" {
		t.Fatalf("expected acme:ops, got %q", got)
	}
	if got := m.NamespaceChannel(DefaultTenant, "ops"); got != "ops" {
		t.Fatalf("default tenant channels stay unprefixed, got %q", got)
	}

	name, ok := m.DisplayChannel("acme", "acme:ops")
	if !ok || name != "ops" {
		t.Fatalf("expected ops, got %q ok=%v", name, ok)
	}
	// A foreign tenant's channel is invisible.
	if _, ok := m.DisplayChannel("acme", "other:ops"); ok {
		t.Fatalf("foreign channel must not resolve")
	}
	if _, ok := m.DisplayChannel(DefaultTenant, "acme:ops"); ok {
		t.Fatalf("prefixed channel must not resolve for default tenant")
	}
	if name, ok := m.DisplayChannel(DefaultTenant, "ops"); !ok || name != "ops" {
		t.Fatalf("expected ops for default tenant, got %q ok=%v", name, ok)
	}
}

func TestLimits(t *testing.T) {
	m := newManager(true)

	defaults := m.LimitsFor("acme")
	if defaults.MaxConnections != 1000 || defaults.MaxConnectionsPerUser != 5 || defaults.MaxChannels != 50 {
		t.Fatalf("unexpected default limits: %+v", defaults)
	}

	m.SetLimits("acme", Limits{MaxConnections: 10, MaxConnectionsPerUser: 1, MaxChannels: 2})
	if got := m.LimitsFor("acme"); got.MaxConnections != 10 {
		t.Fatalf("expected override, got %+v", got)
	}
	// Other tenants keep the defaults.
	if got := m.LimitsFor("other"); got.MaxConnections != 1000 {
		t.Fatalf("expected defaults for other tenant, got %+v", got)
	}
}
