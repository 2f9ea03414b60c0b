// ABOUTME: Tests for the device registry against the in-memory store
// ABOUTME: Covers token validation, ownership on register and unregister, listing and address lookup

package devices

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

var (
	phoneToken   = strings.Repeat("p", 152)
	browserToken = strings.Repeat("b", 160)
)

func newTestRegistry(t *testing.T) (*Registry, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return NewRegistry(s, nil), s
}

func TestRegisterPhone(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	dev, err := r.RegisterPhone(ctx, "account-1", "device-1", phoneToken, map[string]any{"model": "Pixel 8"})
	require.NoError(t, err)
	assert.True(t, dev.IsActive)

	addr, err := r.PhoneAddress(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, phoneToken, addr)
}

func TestRegisterPhone_TokenBounds(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"too short", strings.Repeat("x", MinPushTokenLength-1), false},
		{"minimum", strings.Repeat("x", MinPushTokenLength), true},
		{"maximum", strings.Repeat("x", MaxPushTokenLength), true},
		{"too long", strings.Repeat("x", MaxPushTokenLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.RegisterPhone(ctx, "account-1", "device-1", tt.token, nil)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPushToken)
			}
		})
	}

	_, err := r.RegisterPhone(ctx, "account-1", "", phoneToken, nil)
	assert.ErrorIs(t, err, ErrMissingDeviceID)
}

func TestUnregisterPhone(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPhone(ctx, "account-1", "device-1", phoneToken, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.UnregisterPhone(ctx, "account-2", "device-1"), ErrNotDeviceOwner)
	assert.ErrorIs(t, r.UnregisterPhone(ctx, "account-1", "device-9"), ErrDeviceNotFound)

	require.NoError(t, r.UnregisterPhone(ctx, "account-1", "device-1"))
	_, err = r.PhoneAddress(ctx, "device-1")
	assert.ErrorIs(t, err, ErrNoActiveAddress)

	phones, err := r.ListPhones(ctx, "account-1")
	require.NoError(t, err)
	assert.Empty(t, phones)
}

func TestListPhones_OnlyActiveAndOwned(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = r.RegisterPhone(ctx, "account-1", "device-1", phoneToken, nil)
	_, _ = r.RegisterPhone(ctx, "account-1", "device-2", phoneToken, nil)
	_, _ = r.RegisterPhone(ctx, "account-2", "device-3", phoneToken, nil)
	require.NoError(t, r.Deactivate(ctx, "device-2"))

	phones, err := r.ListPhones(ctx, "account-1")
	require.NoError(t, err)
	require.Len(t, phones, 1)
	assert.Equal(t, "device-1", phones[0].DeviceID)
}

func TestRegisterBrowser_KeyedByPhoneDevice(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterBrowser(ctx, "account-1", "browser-1", browserToken, "device-1")
	require.NoError(t, err)

	doc, err := s.Get(ctx, store.CollectionBrowserTokens, "device-1")
	require.NoError(t, err)
	var dev BrowserDevice
	require.NoError(t, doc.Decode(&dev))
	assert.Equal(t, "browser-1", dev.BrowserDeviceID)

	addr, err := r.BrowserAddress(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, browserToken, addr)

	_, err = r.BrowserAddress(ctx, "browser-1")
	assert.ErrorIs(t, err, ErrNoActiveAddress)
}

func TestRegisterBrowser_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterBrowser(ctx, "account-1", "browser-1", browserToken, "")
	assert.ErrorIs(t, err, ErrMissingDeviceID)
	_, err = r.RegisterBrowser(ctx, "account-1", "browser-1", "short", "device-1")
	assert.ErrorIs(t, err, ErrInvalidPushToken)
}

func TestAddressLookups_Missing(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.PhoneAddress(ctx, "")
	assert.ErrorIs(t, err, ErrNoActiveAddress)
	_, err = r.PhoneAddress(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoActiveAddress)
	assert.NoError(t, r.Deactivate(ctx, "nope"))
}

func TestRegisterPhone_OtherAccountCannotTakeOver(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterPhone(ctx, "alice", "dev-1", phoneToken, nil)
	require.NoError(t, err)

	_, err = r.RegisterPhone(ctx, "mallory", "dev-1", strings.Repeat("m", 150), nil)
	assert.ErrorIs(t, err, ErrNotDeviceOwner)

	addr, err := r.PhoneAddress(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, phoneToken, addr)

	// The owner can rotate its own token and keeps the original createdAt.
	rotated := strings.Repeat("r", 150)
	again, err := r.RegisterPhone(ctx, "alice", "dev-1", rotated, nil)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	addr, err = r.PhoneAddress(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, rotated, addr)
}

func TestRegisterPhone_InactiveDeviceCanBeReclaimed(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterPhone(ctx, "alice", "dev-1", phoneToken, nil)
	require.NoError(t, err)
	require.NoError(t, r.UnregisterPhone(ctx, "alice", "dev-1"))

	dev, err := r.RegisterPhone(ctx, "bob", "dev-1", phoneToken, nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", dev.UserID)

	phones, err := r.ListPhones(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, phones, 1)
}

func TestRegisterBrowser_OtherAccountCannotTakeOver(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterBrowser(ctx, "alice", "browser-1", browserToken, "dev-1")
	require.NoError(t, err)

	_, err = r.RegisterBrowser(ctx, "mallory", "browser-evil", strings.Repeat("m", 150), "dev-1")
	assert.ErrorIs(t, err, ErrNotDeviceOwner)

	addr, err := r.BrowserAddress(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, browserToken, addr)

	// Re-registering from the same account replaces the browser.
	_, err = r.RegisterBrowser(ctx, "alice", "browser-2", strings.Repeat("c", 150), "dev-1")
	require.NoError(t, err)
	addr, err = r.BrowserAddress(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("c", 150), addr)
}
