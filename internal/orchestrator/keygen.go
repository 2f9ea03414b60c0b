// ABOUTME: Keygen orchestrator issuing key generation sessions and recording their results
// ABOUTME: Completion creates the wallet bound to the phone device that holds the key share

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

// QRData is encoded by the browser into the keygen QR code.
type QRData struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	ServerURL string `json:"server_url"`
	Timestamp int64  `json:"timestamp"`
}

// KeygenStart is returned when a keygen session is created.
type KeygenStart struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt"`
	QRData    QRData `json:"qrData"`
}

// KeygenResult is what the phone reports once key generation finishes.
// SessionID may be the keygen session id or the pairing session id.
type KeygenResult struct {
	SessionID string
	KeyID     string
	PublicKey string
	Address   string
	DeviceID  string
}

// KeygenView is what either side may read about a keygen session.
type KeygenView struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	DeviceID    string `json:"deviceId,omitempty"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	KeyID       string `json:"keyId,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	Address     string `json:"address,omitempty"`
}

// StartKeygen creates a PENDING keygen session. When pairingSessionID is set
// the pairing must be BOUND and owned by the caller, and its device becomes
// the session's device.
func (s *Service) StartKeygen(ctx context.Context, owner, pairingSessionID string) (*KeygenStart, error) {
	if err := required("userId", owner); err != nil {
		return nil, err
	}

	var deviceID string
	if pairingSessionID != "" {
		pairing, err := s.boundPairing(ctx, pairingSessionID, owner)
		if err != nil {
			return nil, err
		}
		deviceID = pairing.deviceID()
	}

	now := s.now()
	expiresAt := now.Add(s.opts.KeygenTTL)
	sess := &KeygenSession{
		ID:        newSessionID(),
		UserID:    owner,
		Status:    StatusPending,
		SessionID: pairingSessionID,
		DeviceID:  deviceID,
		CreatedAt: store.Timestamp(now),
		ExpiresAt: store.Timestamp(expiresAt),
	}
	if err := s.store.Create(ctx, store.CollectionKeygenSessions, sess.ID, sess); err != nil {
		return nil, dependency("creating keygen session", err)
	}

	note := &Notification{
		ID:        newSessionID(),
		UserID:    owner,
		Type:      notify.TypeKeygenRequested,
		SessionID: sess.ID,
		Message:   "Browser requested key generation",
		CreatedAt: store.Timestamp(now),
		ExpiresAt: store.Timestamp(now.Add(s.opts.NotificationTTL)),
	}
	if err := s.store.Create(ctx, store.CollectionNotifications, note.ID, note); err != nil {
		s.logger.Warn("failed to record keygen notification", "session_id", sess.ID, "error", err)
	}

	if deviceID != "" {
		err := s.notifier.KeygenRequested(ctx, deviceID, sess.ID, expiresAt)
		s.notifyResult(notify.TypeKeygenRequested, sess.ID, err)
	}

	s.logger.Info("keygen session started", "session_id", sess.ID, "user_id", owner, "pairing_session_id", pairingSessionID)
	return &KeygenStart{
		SessionID: sess.ID,
		Status:    StatusPending,
		ExpiresAt: sess.ExpiresAt,
		QRData: QRData{
			SessionID: sess.ID,
			Action:    "keygen",
			ServerURL: s.opts.PublicURL,
			Timestamp: now.UnixMilli(),
		},
	}, nil
}

// findKeygen looks a keygen session up by its originating pairing session id
// first, then by its own id. Sessions owned by someone else are reported as
// not found.
func (s *Service) findKeygen(ctx context.Context, id, owner string) (*KeygenSession, error) {
	if id == "" {
		return nil, validation(CodeMissingFields, "sessionId is required")
	}

	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionKeygenSessions,
		Filters: []store.Filter{
			{Field: "sessionId", Value: id},
			{Field: "userId", Value: owner},
		},
		OrderBy: store.FieldCreatedAt,
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return nil, dependency("querying keygen sessions", err)
	}
	if len(docs) > 0 {
		var sess KeygenSession
		if err := docs[0].Decode(&sess); err != nil {
			return nil, err
		}
		return &sess, nil
	}

	var sess KeygenSession
	if err := s.load(ctx, store.CollectionKeygenSessions, id, &sess, CodeKeygenNotFound, "Keygen session not found"); err != nil {
		return nil, err
	}
	if sess.UserID != owner {
		return nil, notFound(CodeKeygenNotFound, "Keygen session not found")
	}
	return &sess, nil
}

// KeygenDone records a finished key generation and creates the wallet.
// Repeating a completion with the same keyId returns the wallet again;
// a different keyId is a conflict.
func (s *Service) KeygenDone(ctx context.Context, res KeygenResult, caller string) (*Wallet, error) {
	if err := required("sessionId", res.SessionID, "keyId", res.KeyID, "publicKey", res.PublicKey, "address", res.Address); err != nil {
		return nil, err
	}

	sess, err := s.findKeygen(ctx, res.SessionID, caller)
	if err != nil {
		return nil, err
	}

	// One retry after losing the completion race.
	for attempt := 0; ; attempt++ {
		switch sess.Status {
		case StatusCompleted:
			if sess.KeyID != res.KeyID {
				return nil, conflict(CodeKeyMismatch, "Keygen session already completed with a different key")
			}
			s.logger.Info("duplicate keygen completion", "session_id", sess.ID, "key_id", res.KeyID)
			return s.finishKeygen(ctx, sess, res)

		case StatusPending:
			if s.isPast(sess.ExpiresAt) {
				if err := s.expire(ctx, store.CollectionKeygenSessions, sess.ID, "Keygen session expired"); err != nil {
					return nil, err
				}
				return nil, expired(CodeKeygenExpired, "Keygen session expired")
			}
			deviceID := sess.DeviceID
			if deviceID == "" {
				deviceID = res.DeviceID
			}
			if deviceID == "" {
				return nil, validation(CodeMissingFields, "deviceId is required")
			}
			if err := s.checkWalletFree(ctx, sess, res, deviceID); err != nil {
				return nil, err
			}

			completedAt := s.timestamp()
			patch := store.Patch{
				"keyId":       res.KeyID,
				"publicKey":   res.PublicKey,
				"address":     res.Address,
				"completedAt": completedAt,
			}
			if sess.DeviceID == "" && res.DeviceID != "" {
				patch["deviceId"] = res.DeviceID
			}
			err := s.transition(ctx, store.CollectionKeygenSessions, sess.ID, StatusPending, StatusCompleted, patch)
			if err == nil {
				sess.Status = StatusCompleted
				sess.KeyID = res.KeyID
				sess.PublicKey = res.PublicKey
				sess.Address = res.Address
				sess.CompletedAt = completedAt
				if sess.DeviceID == "" {
					sess.DeviceID = res.DeviceID
				}
				return s.finishKeygen(ctx, sess, res)
			}
			if !errors.Is(err, store.ErrConflict) || attempt > 0 {
				return nil, dependency("completing keygen session", err)
			}
			var fresh KeygenSession
			if err := s.load(ctx, store.CollectionKeygenSessions, sess.ID, &fresh, CodeKeygenNotFound, "Keygen session not found"); err != nil {
				return nil, err
			}
			sess = &fresh

		default:
			return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Keygen session is %s", sess.Status)
		}
	}
}

// finishKeygen runs the steps after the completion gate: the wallet write,
// the pairing session close and the notification cleanup. Each is safe to
// repeat.
func (s *Service) finishKeygen(ctx context.Context, sess *KeygenSession, res KeygenResult) (*Wallet, error) {
	deviceID := sess.DeviceID
	if deviceID == "" {
		deviceID = res.DeviceID
	}

	wallet, err := s.upsertWallet(ctx, sess, deviceID)
	if err != nil {
		return nil, err
	}

	if sess.SessionID != "" {
		patch := store.Patch{
			"keyId":       sess.KeyID,
			"publicKey":   sess.PublicKey,
			"address":     sess.Address,
			"completedAt": sess.CompletedAt,
		}
		err := s.transition(ctx, store.CollectionPairingSessions, sess.SessionID, StatusBound, StatusComplete, patch)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Warn("failed to close pairing session", "session_id", sess.SessionID, "error", err)
		}
	}

	s.markSessionNotificationsRead(ctx, sess.ID)

	s.logger.Info("keygen completed", "session_id", sess.ID, "key_id", wallet.KeyID, "device_id", wallet.DeviceID)
	return wallet, nil
}

// walletMatches reports a conflict unless w already records exactly this
// owner, signing device and key material.
func (s *Service) walletMatches(w *Wallet, sessionID, userID, deviceID, publicKey, address string) error {
	if w.UserID != userID {
		return conflict(CodeWalletConflict, "Wallet belongs to another account")
	}
	if w.DeviceID != deviceID || w.PublicKey != publicKey || !strings.EqualFold(w.Address, address) {
		s.logger.Warn("keygen completion conflicts with existing wallet",
			"key_id", w.KeyID, "session_id", sessionID, "wallet_device_id", w.DeviceID, "device_id", deviceID)
		return conflict(CodeWalletConflict, "Wallet already exists with a different key or signing device")
	}
	return nil
}

// checkWalletFree rejects a completion that would collide with an existing
// wallet before the session is marked COMPLETED.
func (s *Service) checkWalletFree(ctx context.Context, sess *KeygenSession, res KeygenResult, deviceID string) error {
	var existing Wallet
	err := s.load(ctx, store.CollectionWallets, res.KeyID, &existing, CodeWalletNotFound, "Wallet not found")
	switch {
	case err == nil:
		return s.walletMatches(&existing, sess.ID, sess.UserID, deviceID, res.PublicKey, res.Address)
	case IsKind(err, KindNotFound):
		return nil
	default:
		return err
	}
}

// upsertWallet creates wallets/{keyId}. An existing wallet is never
// rewritten: a repeat with the same key material and device returns it
// unchanged, anything else is a conflict.
func (s *Service) upsertWallet(ctx context.Context, sess *KeygenSession, deviceID string) (*Wallet, error) {
	now := s.timestamp()

	var existing Wallet
	err := s.load(ctx, store.CollectionWallets, sess.KeyID, &existing, CodeWalletNotFound, "Wallet not found")
	switch {
	case err == nil:
		if err := s.walletMatches(&existing, sess.ID, sess.UserID, deviceID, sess.PublicKey, sess.Address); err != nil {
			return nil, err
		}
		return &existing, nil

	case IsKind(err, KindNotFound):
		name := sess.KeyID
		if len(name) > 8 {
			name = name[:8]
		}
		wallet := &Wallet{
			ID:          sess.KeyID,
			KeyID:       sess.KeyID,
			PublicKey:   sess.PublicKey,
			Address:     sess.Address,
			DeviceID:    deviceID,
			UserID:      sess.UserID,
			Name:        "Wallet " + name,
			Description: "Generated wallet",
			Tags:        []string{"generated"},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.Create(ctx, store.CollectionWallets, wallet.ID, wallet); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return s.upsertWallet(ctx, sess, deviceID)
			}
			return nil, dependency("creating wallet", err)
		}
		return wallet, nil

	default:
		return nil, err
	}
}

func (s *Service) markSessionNotificationsRead(ctx context.Context, sessionID string) {
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionNotifications,
		Filters: []store.Filter{
			{Field: "sessionId", Value: sessionID},
			{Field: "read", Value: false},
		},
	})
	if err != nil {
		s.logger.Warn("failed to query keygen notifications", "session_id", sessionID, "error", err)
		return
	}
	now := s.timestamp()
	for _, doc := range docs {
		if err := s.store.Update(ctx, store.CollectionNotifications, doc.ID, store.Patch{"read": true, "readAt": now}); err != nil {
			s.logger.Warn("failed to mark notification read", "notification_id", doc.ID, "error", err)
		}
	}
}

// GetKeygenSession returns a keygen session found by keygen or pairing id.
func (s *Service) GetKeygenSession(ctx context.Context, id, requester string) (*KeygenView, error) {
	sess, err := s.findKeygen(ctx, id, requester)
	if err != nil {
		return nil, err
	}

	if sess.Status == StatusPending && s.isPast(sess.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionKeygenSessions, sess.ID, "Keygen session expired"); err != nil {
			return nil, err
		}
		if sess, err = s.findKeygen(ctx, sess.ID, requester); err != nil {
			return nil, err
		}
	}

	return &KeygenView{
		SessionID:   sess.ID,
		Status:      sess.Status,
		DeviceID:    sess.DeviceID,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
		CompletedAt: sess.CompletedAt,
		KeyID:       sess.KeyID,
		PublicKey:   sess.PublicKey,
		Address:     sess.Address,
	}, nil
}

// MaxNotifications bounds ListNotifications.
const MaxNotifications = 10

// ListNotifications returns the caller's unread, unexpired notifications,
// newest first.
func (s *Service) ListNotifications(ctx context.Context, owner string) ([]*Notification, error) {
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionNotifications,
		Filters: []store.Filter{
			{Field: "userId", Value: owner},
			{Field: "read", Value: false},
		},
		OrderBy: store.FieldCreatedAt,
		Desc:    true,
	})
	if err != nil {
		return nil, dependency("listing notifications", err)
	}

	out := make([]*Notification, 0, MaxNotifications)
	for _, doc := range docs {
		var n Notification
		if err := doc.Decode(&n); err != nil {
			return nil, err
		}
		if s.isPast(n.ExpiresAt) {
			continue
		}
		out = append(out, &n)
		if len(out) == MaxNotifications {
			break
		}
	}
	return out, nil
}

// MarkNotificationRead marks one of the caller's notifications read.
func (s *Service) MarkNotificationRead(ctx context.Context, id, owner string) error {
	var n Notification
	if err := s.load(ctx, store.CollectionNotifications, id, &n, CodeNotificationNotFound, "Notification not found"); err != nil {
		return err
	}
	if err := assertOwner(&n, owner, CodeUnauthorized); err != nil {
		return err
	}
	if n.Read {
		return nil
	}
	if err := s.store.Update(ctx, store.CollectionNotifications, id, store.Patch{"read": true, "readAt": s.timestamp()}); err != nil {
		return dependency(fmt.Sprintf("marking notification %s read", id), err)
	}
	return nil
}
