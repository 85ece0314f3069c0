package connection

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

func newTestRegistry(limits Limits) *Registry {
	return NewRegistry(limits, logging.NewLogger())
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(DefaultLimits())

	h, err := r.Register("u1", "default", []string{"user"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conns := r.GetUserConnections("u1")
	if len(conns) != 1 || conns[0].ID != h.ID {
		t.Fatalf("expected one connection for u1")
	}
	if got := r.GetTenantConnections("default"); len(got) != 1 {
		t.Fatalf("expected one tenant connection, got %d", len(got))
	}

	r.Unregister(h.ID)
	if got := r.GetUserConnections("u1"); len(got) != 0 {
		t.Fatalf("expected no connections after unregister, got %d", len(got))
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("expected handle closed after unregister")
	}
	// Unregister is idempotent.
	r.Unregister(h.ID)
}

func TestRegisterLimits(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConnections = 2
	limits.MaxConnectionsPerUser = 1
	r := newTestRegistry(limits)

	if _, err := r.Register("u1", "default", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("u1", "default", nil); err != ErrMaxUserConnections {
		t.Fatalf("expected per-user limit error, got %v", err)
	}
	if _, err := r.Register("u2", "default", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("u3", "default", nil); err != ErrMaxConnections {
		t.Fatalf("expected total limit error, got %v", err)
	}

	// Failed registrations leave counts unchanged.
	stats := r.Stats()
	if stats.TotalConnections != 2 || stats.UniqueUsers != 2 {
		t.Fatalf("unexpected stats after limit errors: %+v", stats)
	}
}

func TestSubscriptionLimitsAndValidation(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxSubscriptionsPerConnection = 2
	r := newTestRegistry(limits)

	h, err := r.Register("u1", "default", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.SubscribeToChannel(h.ID, "bad channel!"); err != ErrInvalidChannel {
		t.Fatalf("expected invalid channel error, got %v", err)
	}
	if err := r.SubscribeToChannel(h.ID, "a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Duplicate subscription is a no-op, not a limit consumer.
	if err := r.SubscribeToChannel(h.ID, "a"); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if err := r.SubscribeToChannel(h.ID, "b"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.SubscribeToChannel(h.ID, "c"); err != ErrMaxSubscriptions {
		t.Fatalf("expected subscription limit error, got %v", err)
	}

	// Unsubscribing a never-held channel is a no-op.
	if err := r.UnsubscribeFromChannel(h.ID, "zzz"); err != nil {
		t.Fatalf("unsubscribe unheld: %v", err)
	}
	if err := r.UnsubscribeFromChannel(h.ID, "a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := r.GetChannelInfo("a"); ok {
		t.Fatalf("empty channel entry should be removed")
	}
}

func TestChannelNameValidation(t *testing.T) {
	valid := []string{"ops", "orders.created", "a_b-c", "tenant1:ops"}
	for _, name := range valid {
		if !ValidChannelName(channelLeaf(name)) {
			t.Fatalf("expected %q to be valid", name)
		}
	}
	invalid := []string{"", "has space", "emoji💥", string(make([]byte, 65))}
	for _, name := range invalid {
		if ValidChannelName(name) {
			t.Fatalf("expected %q to be invalid", name)
		}
	}
}

// TestRegistryBookkeeping applies a random operation sequence and re-derives
// the indices from the handles; they must agree exactly.
func TestRegistryBookkeeping(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := newTestRegistry(DefaultLimits())

	users := []string{"u1", "u2", "u3"}
	tenants := []string{"default", "acme"}
	channels := []string{"a", "b", "c", "d"}
	var live []*Handle

	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(4); {
		case op == 0:
			h, err := r.Register(users[rng.Intn(len(users))], tenants[rng.Intn(len(tenants))], nil)
			if err == nil {
				live = append(live, h)
			}
		case op == 1 && len(live) > 0:
			h := live[rng.Intn(len(live))]
			_ = r.SubscribeToChannel(h.ID, channels[rng.Intn(len(channels))])
		case op == 2 && len(live) > 0:
			h := live[rng.Intn(len(live))]
			_ = r.UnsubscribeFromChannel(h.ID, channels[rng.Intn(len(channels))])
		case op == 3 && len(live) > 0:
			idx := rng.Intn(len(live))
			r.Unregister(live[idx].ID)
			live = append(live[:idx], live[idx+1:]...)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Re-derive the expected indices from the connection map.
	expUser := make(map[string]map[string]bool)
	expTenant := make(map[string]map[string]bool)
	expChannel := make(map[string]map[string]bool)
	for id, h := range r.conns {
		if expUser[h.UserID] == nil {
			expUser[h.UserID] = make(map[string]bool)
		}
		expUser[h.UserID][id] = true
		if expTenant[h.TenantID] == nil {
			expTenant[h.TenantID] = make(map[string]bool)
		}
		expTenant[h.TenantID][id] = true
		for _, ch := range h.Subscriptions() {
			if expChannel[ch] == nil {
				expChannel[ch] = make(map[string]bool)
			}
			expChannel[ch][id] = true
		}
	}

	checkIndex := func(name string, got map[string]map[string]*Handle, want map[string]map[string]bool) {
		if len(got) != len(want) {
			t.Fatalf("%s index: %d entries, expected %d", name, len(got), len(want))
		}
		for key, set := range got {
			if len(set) == 0 {
				t.Fatalf("%s index retains empty entry %q", name, key)
			}
			if len(set) != len(want[key]) {
				t.Fatalf("%s index entry %q: %d members, expected %d", name, key, len(set), len(want[key]))
			}
			for id := range set {
				if !want[key][id] {
					t.Fatalf("%s index entry %q contains unexpected %s", name, key, id)
				}
			}
		}
	}
	checkIndex("user", r.byUser, expUser)
	checkIndex("tenant", r.byTenant, expTenant)
	checkIndex("channel", r.byChannel, expChannel)
}

func TestStaleSweep(t *testing.T) {
	r := newTestRegistry(DefaultLimits())
	h1, _ := r.Register("u1", "default", nil)
	h2, _ := r.Register("u2", "default", nil)

	// Backdate one connection's activity.
	h1.lastActivity.Store(time.Now().Add(-5 * time.Minute).Unix())
	_ = h2

	stale := r.FindStaleConnections(120)
	if len(stale) != 1 || stale[0] != h1.ID {
		t.Fatalf("expected only h1 stale, got %v", stale)
	}
	if n := r.CleanupStaleConnections(120); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if r.Stats().TotalConnections != 1 {
		t.Fatalf("expected one live connection after sweep")
	}
}

func TestHandleSendNonBlocking(t *testing.T) {
	h := NewHandle("u1", "default", nil, 2)

	for i := 0; i < 2; i++ {
		if err := h.Send(notification.Raw(notification.PongMessage())); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := h.Send(notification.Raw(notification.PongMessage())); err != ErrSendQueueFull {
		t.Fatalf("expected queue full, got %v", err)
	}

	h.Close()
	h.Close() // idempotent
	if err := h.Send(notification.Raw(notification.PongMessage())); err != ErrConnectionClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestTenantStatsAndChannelListing(t *testing.T) {
	r := newTestRegistry(DefaultLimits())
	for i := 0; i < 3; i++ {
		h, err := r.Register(fmt.Sprintf("u%d", i), "acme", nil)
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := r.SubscribeToChannel(h.ID, "acme:ops"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	stats := r.TenantStats("acme")
	if stats.Connections != 3 || stats.Users != 3 || stats.Channels != 1 {
		t.Fatalf("unexpected tenant stats: %+v", stats)
	}

	infos := r.ListChannels()
	if len(infos) != 1 || infos[0].Subscribers != 3 {
		t.Fatalf("unexpected channel listing: %+v", infos)
	}
	if got := r.ListTenantChannels("acme"); len(got) != 1 || got[0] != "acme:ops" {
		t.Fatalf("unexpected tenant channels: %v", got)
	}
	if got := r.ListTenants(); len(got) != 1 || got[0] != "acme" {
		t.Fatalf("unexpected tenants: %v", got)
	}
}
