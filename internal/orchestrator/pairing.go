// ABOUTME: Pairing orchestrator binding a phone device to a browser principal
// ABOUTME: A single-use nonce is checked once per claim; the bind is a conditional status update

package orchestrator

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

// PairingStart is returned to the browser to render as a pairing code.
type PairingStart struct {
	SessionID string `json:"sessionId"`
	Nonce     string `json:"nonce"`
	ExpiresAt string `json:"expiresAt"`
}

// ClaimRequest is the phone's half of the pairing handshake.
type ClaimRequest struct {
	SessionID string
	Nonce     string
	DeviceID  string
}

// SessionView is what either side may read about a pairing session.
type SessionView struct {
	SessionID   string  `json:"sessionId"`
	Status      string  `json:"status"`
	DeviceID    *string `json:"deviceId"`
	CreatedAt   string  `json:"createdAt"`
	ExpiresAt   string  `json:"expiresAt"`
	BoundAt     string  `json:"boundAt,omitempty"`
	CompletedAt string  `json:"completedAt,omitempty"`
}

// StartPairing creates a PENDING pairing session owned by the browser principal.
func (s *Service) StartPairing(ctx context.Context, owner string) (*PairingStart, error) {
	if err := required("userId", owner); err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, dependency("generating nonce", err)
	}

	now := s.now()
	sess := &PairingSession{
		ID:        newSessionID(),
		UserID:    owner,
		Nonce:     nonce,
		Status:    StatusPending,
		CreatedAt: store.Timestamp(now),
		ExpiresAt: store.Timestamp(now.Add(s.opts.PairingTTL)),
	}
	if err := s.store.Create(ctx, store.CollectionPairingSessions, sess.ID, sess); err != nil {
		return nil, dependency("creating pairing session", err)
	}

	s.logger.Info("pairing session started", "session_id", sess.ID, "user_id", owner)
	return &PairingStart{SessionID: sess.ID, Nonce: nonce, ExpiresAt: sess.ExpiresAt}, nil
}

// ClaimSession binds deviceID to a pending session when the nonce matches.
// A wrong nonce leaves the session PENDING.
func (s *Service) ClaimSession(ctx context.Context, req ClaimRequest, claimant string) error {
	if err := required("sessionId", req.SessionID, "nonce", req.Nonce, "deviceId", req.DeviceID); err != nil {
		return err
	}

	var sess PairingSession
	if err := s.load(ctx, store.CollectionPairingSessions, req.SessionID, &sess, CodeSessionNotFound, "Session not found"); err != nil {
		return err
	}

	if s.opts.ClaimPolicy != ClaimAnyPhone {
		if err := assertOwner(&sess, claimant, CodeOwnerMismatch); err != nil {
			return err
		}
	}

	if sess.Status == StatusPending && s.isPast(sess.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionPairingSessions, sess.ID, ""); err != nil {
			return err
		}
		return conflict(CodeAlreadyClaimedOrExpired, "Session has expired")
	}
	if sess.Status != StatusPending {
		return conflict(CodeAlreadyClaimedOrExpired, "Session is "+sess.Status)
	}
	if subtle.ConstantTimeCompare([]byte(sess.Nonce), []byte(req.Nonce)) != 1 {
		s.logger.Warn("pairing nonce mismatch", "session_id", sess.ID)
		return validation(CodeNonceMismatch, "Nonce does not match")
	}

	patch := store.Patch{
		"deviceId":            req.DeviceID,
		"boundAt":             s.timestamp(),
		"claimantPrincipalId": claimant,
	}
	err := s.transition(ctx, store.CollectionPairingSessions, sess.ID, StatusPending, StatusBound, patch)
	if errors.Is(err, store.ErrConflict) {
		status, rerr := s.currentStatus(ctx, store.CollectionPairingSessions, sess.ID)
		if rerr != nil {
			return dependency("re-reading pairing session", rerr)
		}
		return conflict(CodeAlreadyClaimedOrExpired, "Session is "+status)
	}
	if err != nil {
		return dependency("binding pairing session", err)
	}

	s.logger.Info("session claimed", "session_id", sess.ID, "device_id", req.DeviceID)
	return nil
}

// GetSession returns a pairing session to its owner or the phone that claimed it.
func (s *Service) GetSession(ctx context.Context, sessionID, requester string) (*SessionView, error) {
	var sess PairingSession
	if err := s.load(ctx, store.CollectionPairingSessions, sessionID, &sess, CodeSessionNotFound, "Session not found"); err != nil {
		return nil, err
	}
	if requester == "" || (sess.UserID != requester && sess.ClaimantPrincipalID != requester) {
		return nil, forbidden(CodeOwnerMismatch, "Not authorized to view this session")
	}

	if sess.Status == StatusPending && s.isPast(sess.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionPairingSessions, sess.ID, ""); err != nil {
			return nil, err
		}
		if err := s.load(ctx, store.CollectionPairingSessions, sessionID, &sess, CodeSessionNotFound, "Session not found"); err != nil {
			return nil, err
		}
	}

	return &SessionView{
		SessionID:   sess.ID,
		Status:      sess.Status,
		DeviceID:    sess.DeviceID,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
		BoundAt:     sess.BoundAt,
		CompletedAt: sess.CompletedAt,
	}, nil
}

// boundPairing loads a pairing session the caller owns that a phone has claimed.
func (s *Service) boundPairing(ctx context.Context, sessionID, owner string) (*PairingSession, error) {
	var sess PairingSession
	if err := s.load(ctx, store.CollectionPairingSessions, sessionID, &sess, CodeSessionNotFound, "Session not found"); err != nil {
		return nil, err
	}
	if err := assertOwner(&sess, owner, CodeOwnerMismatch); err != nil {
		return nil, err
	}
	if sess.Status != StatusBound || sess.deviceID() == "" {
		return nil, validation(CodeInvalidPairingSession, "Pairing session is "+sess.Status+", expected BOUND")
	}
	return &sess, nil
}
