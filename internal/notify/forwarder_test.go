package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingDispatcher struct {
	mu   sync.Mutex
	got  []Payload
	fail bool
}

func (d *collectingDispatcher) Dispatch(_ context.Context, p Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("pipeline down")
	}
	d.got = append(d.got, p)
	return nil
}

func (d *collectingDispatcher) payloads() []Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Payload(nil), d.got...)
}

func encode(t *testing.T, p Payload) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func TestForwarderDispatchesValidPayloads(t *testing.T) {
	d := &collectingDispatcher{}
	f := NewForwarder(d, 2, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	f.Handle("u1", encode(t, Payload{Type: TypeNewMatch, UserID: "u1", MatchID: "m1"}))
	f.Handle("u2", encode(t, Payload{Type: TypeSuperLike, UserID: "u2", FromUserID: "u1"}))
	f.Handle("u3", []byte("not json"))
	f.Handle("u4", encode(t, Payload{Type: TypeNewMatch, UserID: "someone-else", MatchID: "m1"}))

	assert.Eventually(t, func() bool { return len(d.payloads()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	users := map[string]bool{}
	for _, p := range d.payloads() {
		users[p.UserID] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, users)
}

func TestForwarderDropsWhenQueueFull(t *testing.T) {
	d := &collectingDispatcher{}
	f := NewForwarder(d, 1, 1, nil)

	data := encode(t, Payload{Type: TypeNewMatch, UserID: "u1", MatchID: "m1"})
	f.Handle("u1", data)
	f.Handle("u1", data)
	assert.Len(t, f.queue, 1)
}

func TestForwarderSurvivesDispatchErrors(t *testing.T) {
	d := &collectingDispatcher{fail: true}
	f := NewForwarder(d, 1, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	f.Handle("u1", encode(t, Payload{Type: TypeNewMatch, UserID: "u1", MatchID: "m1"}))
	assert.Eventually(t, func() bool { return len(f.queue) == 0 }, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()
	f.Handle("u1", encode(t, Payload{Type: TypeNewMatch, UserID: "u1", MatchID: "m2"}))
	assert.Eventually(t, func() bool { return len(d.payloads()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
