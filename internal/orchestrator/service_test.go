// ABOUTME: Shared fixtures for orchestrator tests: MockStore, registry, dispatcher and a fake clock
// ABOUTME: Also covers error mapping and the ownership helper

package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/devices"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/push"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/watch"
)

const (
	testUser   = "user-1"
	testDevice = "device-1"
)

var (
	phoneToken   = strings.Repeat("p", 140)
	browserToken = strings.Repeat("b", 140)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingObserver struct {
	mu          sync.Mutex
	transitions map[string]int
	waits       map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{transitions: map[string]int{}, waits: map[string]int{}}
}

func (o *countingObserver) Transition(collection, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[collection+":"+from+">"+to]++
}

func (o *countingObserver) Notification(string, bool) {}

func (o *countingObserver) AgentWait(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits[outcome]++
}

func (o *countingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions[key]
}

func (o *countingObserver) waitCount(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waits[outcome]
}

type fixture struct {
	svc      *Service
	store    *store.MockStore
	sender   *push.MockSender
	registry *devices.Registry
	watcher  *watch.Broadcaster
	clock    *fakeClock
	observer *countingObserver
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	s := store.NewMockStore()
	reg := devices.NewRegistry(s, nil)
	sender := push.NewMockSender()
	dispatcher := notify.NewDispatcher(sender, reg, nil)
	w := watch.NewBroadcaster(nil)
	t.Cleanup(func() { _ = w.Close() })

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(s, dispatcher, w, opts, nil)
	svc.now = clock.Now
	obs := newCountingObserver()
	svc.SetObserver(obs)

	ctx := context.Background()
	_, err := reg.RegisterPhone(ctx, testUser, testDevice, phoneToken, nil)
	require.NoError(t, err)
	_, err = reg.RegisterBrowser(ctx, testUser, "browser-1", browserToken, testDevice)
	require.NoError(t, err)

	return &fixture{svc: svc, store: s, sender: sender, registry: reg, watcher: w, clock: clock, observer: obs}
}

// seedWallet stores a wallet directly, as keygen completion would.
func (f *fixture) seedWallet(t *testing.T, id, owner, deviceID string) *Wallet {
	t.Helper()
	now := store.Timestamp(f.clock.Now())
	w := &Wallet{
		ID:        id,
		KeyID:     id,
		PublicKey: "04" + strings.Repeat("ab", 64),
		Address:   "0x52908400098527886E0F7030069857D2E4169EE7",
		DeviceID:  deviceID,
		UserID:    owner,
		Name:      "Wallet " + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Create(context.Background(), store.CollectionWallets, id, w))
	f.clock.Advance(time.Millisecond)
	return w
}

func (f *fixture) status(t *testing.T, collection, id string) string {
	t.Helper()
	status, err := f.svc.currentStatus(context.Background(), collection, id)
	require.NoError(t, err)
	return status
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{notFound(CodeSessionNotFound, "x"), http.StatusNotFound},
		{forbidden(CodeOwnerMismatch, "x"), http.StatusForbidden},
		{newError(KindInvalidStatus, CodeInvalidStatus, "x"), http.StatusBadRequest},
		{expired(CodeTransactionExpired, "x"), http.StatusBadRequest},
		{validation(CodeNonceMismatch, "x"), http.StatusBadRequest},
		{conflict(CodeAgentTokenExists, "x"), http.StatusConflict},
		{newError(KindTimeout, CodeTimeout, "x"), http.StatusRequestTimeout},
		{dependency("x", assert.AnError), http.StatusInternalServerError},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}

	err := dependency("reading", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, HasCode(err, CodeInternal))
}

func TestAssertOwner(t *testing.T) {
	tx := &Transaction{UserID: testUser}
	assert.NoError(t, assertOwner(tx, testUser, CodeUnauthorized))
	assert.True(t, HasCode(assertOwner(tx, "user-2", CodeUnauthorized), CodeUnauthorized))
	assert.True(t, IsKind(assertOwner(tx, "", CodeUnauthorized), KindForbidden))
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{PairingTTL: time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, opts.PairingTTL)
	assert.Equal(t, 10*time.Minute, opts.KeygenTTL)
	assert.Equal(t, 30*time.Minute, opts.TransactionTTL)
	assert.Equal(t, 2*time.Minute, opts.AgentWaitTimeout)
	assert.Equal(t, time.Second, opts.AgentPollInterval)
	assert.Equal(t, ClaimSameAccount, opts.ClaimPolicy)
}
