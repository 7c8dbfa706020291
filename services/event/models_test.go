package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventChannel(t *testing.T) {
	e := &Event{Type: TypeBonusAwarded, TenantID: "tenant-1"}
	assert.Equal(t, "events:tenant-1:bonus", e.Channel())

	e = &Event{Type: TypeDepositCompleted, TenantID: "tenant-1"}
	assert.Equal(t, "events:tenant-1:wallet", e.Channel())

	e = &Event{Type: "ping", TenantID: "tenant-1"}
	assert.Equal(t, "events:tenant-1:ping", e.Channel())
}

func TestEventRooms(t *testing.T) {
	e := &Event{Type: TypeBonusAwarded, TenantID: "tenant-1", UserID: "user-1"}
	assert.Equal(t, []string{"tenant:tenant-1", "user:user-1"}, e.Rooms())

	e = &Event{Type: TypeBonusAwarded, TenantID: "tenant-1"}
	assert.Equal(t, []string{"tenant:tenant-1"}, e.Rooms())
}

func TestCritical(t *testing.T) {
	assert.True(t, Critical(TypeBonusAwarded))
	assert.True(t, Critical(TypeDepositCompleted))
	assert.False(t, Critical(TypeBonusForfeited))
	assert.False(t, Critical("unknown.type"))
}

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		types     string
		eventType string
		want      bool
	}{
		{"*", TypeBonusAwarded, true},
		{TypeBonusAwarded, TypeBonusAwarded, true},
		{TypeBonusAwarded, TypeBonusForfeited, false},
		{"bonus.*", TypeBonusAwarded, true},
		{"bonus.*", TypeBonusForfeited, true},
		{"bonus.*", TypeDepositCompleted, false},
		{"wallet.*", TypeDepositCompleted, true},
		{"bonus.awarded, wallet.*", TypeWithdrawalCompleted, true},
		{"", TypeBonusAwarded, false},
	}
	for _, tc := range tests {
		sub := &Subscription{Types: tc.types}
		assert.Equal(t, tc.want, sub.Matches(tc.eventType),
			"types %q against %s", tc.types, tc.eventType)
	}
}

func TestSign(t *testing.T) {
	sig := Sign("secret", []byte(`{"eventId":"1"}`))
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("secret", []byte(`{"eventId":"1"}`)))
	assert.NotEqual(t, sig, Sign("other", []byte(`{"eventId":"1"}`)))
	assert.NotEqual(t, sig, Sign("secret", []byte(`{"eventId":"2"}`)))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(1))
	assert.Equal(t, 2*time.Second, nextBackoff(2))
	assert.Equal(t, 4*time.Second, nextBackoff(3))
	assert.Equal(t, 5*time.Minute, nextBackoff(10))
	assert.Equal(t, 5*time.Minute, nextBackoff(100))
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	tenantSub := hub.Subscribe("tenant:tenant-1")
	userSub := hub.Subscribe("user:user-1")
	otherSub := hub.Subscribe("tenant:tenant-2")
	defer tenantSub.Close()
	defer userSub.Close()
	defer otherSub.Close()

	hub.Publish(ctx, &Event{ID: "e1", Type: TypeBonusAwarded, TenantID: "tenant-1", UserID: "user-1"})

	select {
	case e := <-tenantSub.Events():
		assert.Equal(t, "e1", e.ID)
	default:
		t.Fatal("tenant subscriber did not receive the event")
	}
	select {
	case e := <-userSub.Events():
		assert.Equal(t, "e1", e.ID)
	default:
		t.Fatal("user subscriber did not receive the event")
	}
	select {
	case <-otherSub.Events():
		t.Fatal("other tenant must not receive the event")
	default:
	}
}

func TestHubDeliversOncePerSubscriber(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	// subscribed to both rooms the event fans out to
	sub := hub.Subscribe("tenant:tenant-1", "user:user-1")
	defer sub.Close()

	hub.Publish(ctx, &Event{ID: "e1", Type: TypeBonusForfeited, TenantID: "tenant-1", UserID: "user-1"})

	assert.Len(t, sub.Events(), 1)
}

func TestHubDropsOldestWhenBufferFull(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := hub.Subscribe("tenant:tenant-1")
	defer sub.Close()

	for i := 0; i < subscriberBufferSize+1; i++ {
		hub.Publish(ctx, &Event{ID: "nc", Type: TypeBonusForfeited, TenantID: "tenant-1"})
	}
	hub.Publish(ctx, &Event{ID: "last", Type: TypeBonusForfeited, TenantID: "tenant-1"})

	// the oldest events were dropped; the newest one is still buffered
	assert.Len(t, sub.Events(), subscriberBufferSize)
	var ids []string
	for len(sub.Events()) > 0 {
		ids = append(ids, (<-sub.Events()).ID)
	}
	assert.Equal(t, "last", ids[len(ids)-1])
}

func TestHubKeepsCriticalOverNonCritical(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := hub.Subscribe("tenant:tenant-1")
	defer sub.Close()

	// fill the whole buffer with one critical event first
	hub.Publish(ctx, &Event{ID: "critical", Type: TypeBonusAwarded, TenantID: "tenant-1"})
	for i := 0; i < subscriberBufferSize-1; i++ {
		hub.Publish(ctx, &Event{ID: "nc", Type: TypeBonusForfeited, TenantID: "tenant-1"})
	}

	// overflow with a non critical event; the incoming event is dropped
	// instead of the buffered critical one
	hub.Publish(ctx, &Event{ID: "overflow", Type: TypeBonusForfeited, TenantID: "tenant-1"})

	var ids []string
	for len(sub.Events()) > 0 {
		ids = append(ids, (<-sub.Events()).ID)
	}
	assert.Contains(t, ids, "critical")
	assert.NotContains(t, ids, "overflow")
}

func TestSubscriberLeave(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := hub.Subscribe("tenant:tenant-1")
	sub.Leave("tenant:tenant-1")

	hub.Publish(ctx, &Event{ID: "e1", Type: TypeBonusForfeited, TenantID: "tenant-1"})
	assert.Len(t, sub.Events(), 0)
	sub.Close()
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("tenant:tenant-1")
	sub.Close()
	sub.Close()

	_, open := <-sub.Events()
	require.False(t, open)
}
