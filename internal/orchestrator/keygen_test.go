// ABOUTME: Tests for the keygen orchestrator and keygen notifications
// ABOUTME: Covers wallet creation, duplicate completions, dual lookup and expiry

package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

const (
	testKeyID     = "key-0123456789abcdef"
	testPublicKey = "04deadbeef"
	testAddress   = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

// boundPairingSession returns a pairing session claimed by testDevice.
func boundPairingSession(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	start, err := f.svc.StartPairing(ctx, testUser)
	require.NoError(t, err)
	require.NoError(t, f.svc.ClaimSession(ctx, ClaimRequest{SessionID: start.SessionID, Nonce: start.Nonce, DeviceID: testDevice}, testUser))
	return start.SessionID
}

func TestStartKeygen_WithPairing(t *testing.T) {
	f := newFixture(t, Options{PublicURL: "https://orchestrator.example.com"})
	ctx := context.Background()
	pairingID := boundPairingSession(t, f)

	start, err := f.svc.StartKeygen(ctx, testUser, pairingID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, start.Status)
	assert.Equal(t, start.SessionID, start.QRData.SessionID)
	assert.Equal(t, "keygen", start.QRData.Action)
	assert.Equal(t, "https://orchestrator.example.com", start.QRData.ServerURL)
	assert.Equal(t, f.clock.Now().UnixMilli(), start.QRData.Timestamp)

	var sess KeygenSession
	doc, err := f.store.Get(ctx, store.CollectionKeygenSessions, start.SessionID)
	require.NoError(t, err)
	require.NoError(t, doc.Decode(&sess))
	assert.Equal(t, pairingID, sess.SessionID)
	assert.Equal(t, testDevice, sess.DeviceID)

	notes, err := f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.TypeKeygenRequested, notes[0].Type)
	assert.Equal(t, start.SessionID, notes[0].SessionID)
	assert.Equal(t, "Browser requested key generation", notes[0].Message)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, phoneToken, sent[0].Token)
	assert.Equal(t, notify.TypeKeygenRequested, sent[0].Message.Data["type"])
}

func TestStartKeygen_WithoutPairing(t *testing.T) {
	f := newFixture(t, Options{})

	start, err := f.svc.StartKeygen(context.Background(), testUser, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, start.Status)
	assert.Empty(t, f.sender.Sent())
}

func TestStartKeygen_PairingMustBeBound(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartPairing(ctx, testUser)
	require.NoError(t, err)

	_, err = f.svc.StartKeygen(ctx, testUser, start.SessionID)
	assert.True(t, HasCode(err, CodeInvalidPairingSession), "got %v", err)

	pairingID := boundPairingSession(t, f)
	_, err = f.svc.StartKeygen(ctx, "user-2", pairingID)
	assert.True(t, HasCode(err, CodeOwnerMismatch), "got %v", err)
}

func TestKeygenDone_ByPairingID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pairingID := boundPairingSession(t, f)

	start, err := f.svc.StartKeygen(ctx, testUser, pairingID)
	require.NoError(t, err)

	wallet, err := f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: pairingID,
		KeyID:     testKeyID,
		PublicKey: testPublicKey,
		Address:   testAddress,
		DeviceID:  "device-from-request",
	}, testUser)
	require.NoError(t, err)

	assert.Equal(t, testKeyID, wallet.ID)
	assert.Equal(t, testDevice, wallet.DeviceID, "device comes from the keygen session")
	assert.Equal(t, "Wallet key-0123", wallet.Name)
	assert.Equal(t, []string{"generated"}, wallet.Tags)
	assert.Equal(t, testUser, wallet.UserID)

	assert.Equal(t, StatusCompleted, f.status(t, store.CollectionKeygenSessions, start.SessionID))
	assert.Equal(t, StatusComplete, f.status(t, store.CollectionPairingSessions, pairingID))

	view, err := f.svc.GetSession(ctx, pairingID, testUser)
	require.NoError(t, err)
	assert.NotEmpty(t, view.CompletedAt)

	notes, err := f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, notes)

	stored, err := f.svc.GetWallet(ctx, testKeyID, testUser)
	require.NoError(t, err)
	assert.Equal(t, testAddress, stored.Address)
}

func TestKeygenDone_RequestDeviceFallback(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)

	wallet, err := f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress, DeviceID: "dev-9",
	}, testUser)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", wallet.DeviceID)
}

func TestKeygenDone_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	res := KeygenResult{SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress, DeviceID: "dev-9"}

	first, err := f.svc.KeygenDone(ctx, res, testUser)
	require.NoError(t, err)
	_, err = f.svc.RegisterAgent(ctx, "agent-token-0123456789", testUser, first.ID)
	require.NoError(t, err)

	second, err := f.svc.KeygenDone(ctx, res, testUser)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "agent-token-0123456789", second.AgentToken, "repeat keeps the agent token")
	assert.Equal(t, 1, f.store.Count(store.CollectionWallets))
	assert.Equal(t, 1, f.observer.count("keygen_sessions:PENDING>COMPLETED"))

	res.KeyID = "another-key"
	_, err = f.svc.KeygenDone(ctx, res, testUser)
	assert.True(t, HasCode(err, CodeKeyMismatch), "got %v", err)
	assert.True(t, IsKind(err, KindConflict))
}

func TestKeygenDone_WalletIsNeverRewritten(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	wallet, err := f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: first.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress, DeviceID: "phone-A",
	}, testUser)
	require.NoError(t, err)
	require.Equal(t, "phone-A", wallet.DeviceID)

	// A second keygen session reporting the same key from another phone
	// must not move the signing device.
	second, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	_, err = f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: second.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress, DeviceID: "phone-B",
	}, testUser)
	assert.True(t, HasCode(err, CodeWalletConflict), "got %v", err)
	assert.True(t, IsKind(err, KindConflict))
	assert.Equal(t, StatusPending, f.status(t, store.CollectionKeygenSessions, second.SessionID))

	stored, err := f.svc.GetWallet(ctx, testKeyID, testUser)
	require.NoError(t, err)
	assert.Equal(t, "phone-A", stored.DeviceID)
	assert.Equal(t, wallet.UpdatedAt, stored.UpdatedAt)

	// Same device but different key material is rejected too.
	third, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	_, err = f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: third.SessionID, KeyID: testKeyID, PublicKey: "04" + strings.Repeat("cd", 64), Address: testAddress, DeviceID: "phone-A",
	}, testUser)
	assert.True(t, HasCode(err, CodeWalletConflict), "got %v", err)

	stored, err = f.svc.GetWallet(ctx, testKeyID, testUser)
	require.NoError(t, err)
	assert.Equal(t, testPublicKey, stored.PublicKey)
	assert.Equal(t, 1, f.store.Count(store.CollectionWallets))
}

func TestKeygenDone_RequiresDevice(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)

	_, err = f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress,
	}, testUser)
	assert.True(t, HasCode(err, CodeMissingFields), "got %v", err)
	assert.True(t, IsKind(err, KindValidation))
	assert.Equal(t, StatusPending, f.status(t, store.CollectionKeygenSessions, start.SessionID))
	assert.Equal(t, 0, f.store.Count(store.CollectionWallets))

	// The session is still usable once the phone reports its device.
	wallet, err := f.svc.KeygenDone(ctx, KeygenResult{
		SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress, DeviceID: "dev-9",
	}, testUser)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", wallet.DeviceID)
}

func TestKeygenDone_Scoping(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)

	_, err = f.svc.KeygenDone(ctx, KeygenResult{SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress}, "user-2")
	assert.True(t, HasCode(err, CodeKeygenNotFound), "got %v", err)

	_, err = f.svc.KeygenDone(ctx, KeygenResult{SessionID: "missing", KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress}, testUser)
	assert.True(t, HasCode(err, CodeKeygenNotFound))

	_, err = f.svc.KeygenDone(ctx, KeygenResult{SessionID: start.SessionID, KeyID: testKeyID}, testUser)
	assert.True(t, HasCode(err, CodeMissingFields))
}

func TestKeygenDone_Expired(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	start, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	_, err = f.svc.KeygenDone(ctx, KeygenResult{SessionID: start.SessionID, KeyID: testKeyID, PublicKey: testPublicKey, Address: testAddress}, testUser)
	assert.True(t, HasCode(err, CodeKeygenExpired), "got %v", err)
	assert.Equal(t, StatusExpired, f.status(t, store.CollectionKeygenSessions, start.SessionID))
	assert.Equal(t, 0, f.store.Count(store.CollectionWallets))
}

func TestGetKeygenSession_DualLookup(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	pairingID := boundPairingSession(t, f)

	start, err := f.svc.StartKeygen(ctx, testUser, pairingID)
	require.NoError(t, err)

	byKeygen, err := f.svc.GetKeygenSession(ctx, start.SessionID, testUser)
	require.NoError(t, err)
	byPairing, err := f.svc.GetKeygenSession(ctx, pairingID, testUser)
	require.NoError(t, err)
	assert.Equal(t, byKeygen, byPairing)
	assert.Equal(t, testDevice, byKeygen.DeviceID)

	_, err = f.svc.GetKeygenSession(ctx, start.SessionID, "user-2")
	assert.True(t, IsKind(err, KindNotFound))

	f.clock.Advance(11 * time.Minute)
	view, err := f.svc.GetKeygenSession(ctx, pairingID, testUser)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)
}

func TestListNotifications(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for range MaxNotifications + 2 {
		_, err := f.svc.StartKeygen(ctx, testUser, "")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	_, err := f.svc.StartKeygen(ctx, "user-2", "")
	require.NoError(t, err)

	notes, err := f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, notes, MaxNotifications)
	assert.True(t, notes[0].CreatedAt > notes[1].CreatedAt, "newest first")

	f.clock.Advance(10 * time.Minute)
	notes, err = f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestMarkNotificationRead(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.StartKeygen(ctx, testUser, "")
	require.NoError(t, err)
	notes, err := f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	err = f.svc.MarkNotificationRead(ctx, notes[0].ID, "user-2")
	assert.True(t, HasCode(err, CodeUnauthorized))
	err = f.svc.MarkNotificationRead(ctx, "missing", testUser)
	assert.True(t, HasCode(err, CodeNotificationNotFound))

	require.NoError(t, f.svc.MarkNotificationRead(ctx, notes[0].ID, testUser))
	require.NoError(t, f.svc.MarkNotificationRead(ctx, notes[0].ID, testUser))

	notes, err = f.svc.ListNotifications(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
