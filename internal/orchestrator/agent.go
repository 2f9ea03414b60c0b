// ABOUTME: Agent approval orchestrator for token-bearing machine callers
// ABOUTME: Sign requests block until the phone decides, the wait budget runs out or the caller leaves

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/watch"
)

// Agent request field defaults.
const (
	DefaultAgentAmount  = "0"
	DefaultAgentProduct = "Unknown"
	DefaultAgentChainID = "1"
)

const (
	reasonAgentTimeout  = "Request timeout - no response from phone"
	reasonAgentExpired  = "Agent request expired"
	reasonAgentRejected = "Agent request rejected by user"
)

// Agent wait outcomes reported to the Observer.
const (
	WaitDecided   = "decided"
	WaitTimeout   = "timeout"
	WaitCancelled = "cancelled"
)

// AgentRegistration is returned when a token is attached to a wallet.
type AgentRegistration struct {
	AgentToken    string `json:"agentToken"`
	WalletAddress string `json:"walletAddress"`
	WalletID      string `json:"walletId"`
}

// SignRequest is an agent's request for a signature.
type SignRequest struct {
	AgentToken string
	Hash       string
	Message    string
	Payload    string
	Amount     string
	Product    string
	ChainID    string
}

// SignResult is the agent's answer once the wait ends.
type SignResult struct {
	Success        bool   `json:"success"`
	Status         string `json:"status"`
	Signature      string `json:"signature,omitempty"`
	Error          string `json:"error,omitempty"`
	AgentRequestID string `json:"agentRequestId"`
}

// AgentStatus tells an agent whether its token is registered. It never
// carries key material.
type AgentStatus struct {
	Valid          bool   `json:"valid"`
	AgentToken     string `json:"agentToken,omitempty"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	WalletID       string `json:"walletId,omitempty"`
	AgentCreatedAt string `json:"agentCreatedAt,omitempty"`
}

// RegisterAgent attaches agentToken to one of the caller's wallets: walletID
// when given, otherwise the caller's oldest wallet. Tokens are unique across
// wallets and a wallet accepts one token.
func (s *Service) RegisterAgent(ctx context.Context, agentToken, caller, walletID string) (*AgentRegistration, error) {
	if err := validAgentToken(agentToken); err != nil {
		return nil, err
	}

	wallet, err := s.agentWallet(ctx, caller, walletID)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	reservation := &AgentToken{Token: agentToken, WalletID: wallet.ID, UserID: caller, CreatedAt: now}
	err = s.store.Create(ctx, store.CollectionAgentTokens, agentToken, reservation)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, conflict(CodeAgentTokenExists, "Agent token is already in use")
	}
	if err != nil {
		return nil, dependency("reserving agent token", err)
	}

	patch := store.Patch{"agentToken": agentToken, "agentCreatedAt": now, "updatedAt": now}
	err = s.store.UpdateIf(ctx, store.CollectionWallets, wallet.ID, store.Filter{Field: "agentToken", Value: nil}, patch)
	if err != nil {
		if derr := s.store.Delete(ctx, store.CollectionAgentTokens, agentToken); derr != nil {
			s.logger.Warn("failed to release agent token reservation", "wallet_id", wallet.ID, "error", derr)
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, conflict(CodeAgentTokenExists, "Wallet already has an agent token")
		}
		return nil, dependency("attaching agent token", err)
	}

	s.logger.Info("agent registered", "wallet_id", wallet.ID, "user_id", caller)
	return &AgentRegistration{AgentToken: agentToken, WalletAddress: wallet.Address, WalletID: wallet.ID}, nil
}

func (s *Service) agentWallet(ctx context.Context, caller, walletID string) (*Wallet, error) {
	if walletID != "" {
		var wallet Wallet
		if err := s.load(ctx, store.CollectionWallets, walletID, &wallet, CodeWalletNotFound, "Wallet not found"); err != nil {
			return nil, err
		}
		if err := assertOwner(&wallet, caller, CodeUnauthorized); err != nil {
			return nil, err
		}
		return &wallet, nil
	}

	wallets, err := s.ListWallets(ctx, caller)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, notFound(CodeWalletNotFound, "No wallet found for user")
	}
	return wallets[len(wallets)-1], nil
}

// walletForToken resolves the wallet an agent token is attached to.
func (s *Service) walletForToken(ctx context.Context, agentToken string) (*Wallet, error) {
	var reservation AgentToken
	err := s.load(ctx, store.CollectionAgentTokens, agentToken, &reservation, CodeAgentNotFound, "Agent token not found or not registered")
	if err == nil {
		var wallet Wallet
		if err := s.load(ctx, store.CollectionWallets, reservation.WalletID, &wallet, CodeAgentNotFound, "Agent token not found or not registered"); err != nil {
			return nil, err
		}
		if wallet.AgentToken != agentToken {
			return nil, notFound(CodeAgentNotFound, "Agent token not found or not registered")
		}
		return &wallet, nil
	}
	if !IsKind(err, KindNotFound) {
		return nil, err
	}

	// Wallets whose token was written without a reservation.
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionWallets,
		Filters:    []store.Filter{{Field: "agentToken", Value: agentToken}},
		Limit:      1,
	})
	if err != nil {
		return nil, dependency("querying wallets", err)
	}
	if len(docs) == 0 {
		return nil, notFound(CodeAgentNotFound, "Agent token not found or not registered")
	}
	var wallet Wallet
	if err := docs[0].Decode(&wallet); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// AgentSignRequest creates a PENDING agent request, prompts the wallet's
// phone and waits for the decision. When the wait budget runs out the
// request is expired and a Timeout error is returned along with the result.
// Cancelling ctx abandons the wait and leaves the request PENDING until it
// expires.
func (s *Service) AgentSignRequest(ctx context.Context, req SignRequest) (*SignResult, error) {
	if err := required("agentToken", req.AgentToken); err != nil {
		return nil, err
	}
	wallet, err := s.walletForToken(ctx, req.AgentToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.opts.AgentRequestTTL)
	ar := &AgentRequest{
		ID:            newAgentRequestID(),
		AgentToken:    req.AgentToken,
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		Hash:          req.Hash,
		Message:       req.Message,
		Payload:       req.Payload,
		Amount:        orDefault(req.Amount, DefaultAgentAmount),
		Product:       orDefault(req.Product, DefaultAgentProduct),
		ChainID:       orDefault(req.ChainID, DefaultAgentChainID),
		Status:        StatusPending,
		DeviceID:      wallet.DeviceID,
		UserID:        wallet.UserID,
		ExpiresAt:     store.Timestamp(expiresAt),
		CreatedAt:     store.Timestamp(now),
		UpdatedAt:     store.Timestamp(now),
	}

	// Subscribe before the request exists so no decision can slip past.
	key := watch.Key(store.CollectionAgentRequests, ar.ID)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, subID := s.watcher.Subscribe(waitCtx, key)
	defer s.watcher.Unsubscribe(key, subID)

	if err := s.store.Create(ctx, store.CollectionAgentRequests, ar.ID, ar); err != nil {
		return nil, dependency("creating agent request", err)
	}
	s.logger.Info("agent request created", "agent_request_id", ar.ID, "wallet_id", ar.WalletID, "device_id", ar.DeviceID)

	nerr := s.notifier.AgentSignRequest(ctx, ar.DeviceID, notify.AgentSignRequest{
		AgentRequestID: ar.ID,
		Hash:           ar.Hash,
		Message:        ar.Message,
		Amount:         ar.Amount,
		Product:        ar.Product,
		ChainID:        ar.ChainID,
		WalletAddress:  ar.WalletAddress,
		ExpiresAt:      expiresAt,
	})
	if s.notifyResult(notify.TypeAgentSignRequest, ar.ID, nerr) {
		patch := store.Patch{"notificationSent": true, "notificationSentAt": s.timestamp()}
		if err := s.store.Update(ctx, store.CollectionAgentRequests, ar.ID, patch); err != nil {
			s.logger.Warn("failed to record notification", "agent_request_id", ar.ID, "error", err)
		}
	}

	return s.awaitDecision(ctx, ar.ID, events)
}

// awaitDecision re-reads the request whenever a transition event arrives and
// on every poll tick until it leaves PENDING.
func (s *Service) awaitDecision(ctx context.Context, id string, events <-chan watch.Event) (*SignResult, error) {
	started := time.Now()
	deadline := time.NewTimer(s.opts.AgentWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.AgentPollInterval)
	defer ticker.Stop()

	for {
		ar, err := s.loadAgentRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if ar.Status != StatusPending {
			s.observer.AgentWait(WaitDecided, time.Since(started))
			return decisionResult(ar)
		}

		select {
		case <-ctx.Done():
			s.observer.AgentWait(WaitCancelled, time.Since(started))
			s.logger.Info("agent wait abandoned", "agent_request_id", id, "error", ctx.Err())
			return nil, ctx.Err()
		case <-deadline.C:
			s.observer.AgentWait(WaitTimeout, time.Since(started))
			return s.timeoutAgentRequest(ctx, id)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

// timeoutAgentRequest expires a request whose wait ran out. A decision that
// lands first wins and is returned instead.
func (s *Service) timeoutAgentRequest(ctx context.Context, id string) (*SignResult, error) {
	err := s.transition(ctx, store.CollectionAgentRequests, id, StatusPending, StatusExpired, store.Patch{"error": reasonAgentTimeout})
	if errors.Is(err, store.ErrConflict) {
		ar, lerr := s.loadAgentRequest(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		return decisionResult(ar)
	}
	if err != nil {
		s.logger.Warn("failed to expire agent request", "agent_request_id", id, "error", err)
	}

	s.logger.Info("agent request timed out", "agent_request_id", id, "timeout", s.opts.AgentWaitTimeout)
	res := &SignResult{Status: StatusExpired, Error: reasonAgentTimeout, AgentRequestID: id}
	return res, newError(KindTimeout, CodeTimeout, "%s", reasonAgentTimeout)
}

func decisionResult(ar *AgentRequest) (*SignResult, error) {
	res := &SignResult{
		Status:         ar.Status,
		Signature:      ar.Signature,
		Error:          ar.Error,
		AgentRequestID: ar.ID,
	}
	switch ar.Status {
	case StatusSigned, StatusRejected:
		res.Success = true
		return res, nil
	case StatusExpired:
		return res, expired(CodeAgentRequestExpired, "Agent request has expired")
	default:
		return res, newError(KindInvalidStatus, CodeInvalidStatus, "Agent request is %s", ar.Status)
	}
}

// ApproveAgentRequest records the phone's signature for an agent request.
func (s *Service) ApproveAgentRequest(ctx context.Context, id, signature, caller string) (*AgentRequest, error) {
	if err := required("agentRequestId", id, "signature", signature); err != nil {
		return nil, err
	}
	patch := store.Patch{"signature": signature, "signedAt": s.timestamp()}
	return s.decideAgentRequest(ctx, id, caller, "approve", StatusSigned, patch)
}

// RejectAgentRequest records the phone's refusal of an agent request.
func (s *Service) RejectAgentRequest(ctx context.Context, id, reason, caller string) (*AgentRequest, error) {
	if err := required("agentRequestId", id); err != nil {
		return nil, err
	}
	patch := store.Patch{"error": orDefault(reason, reasonAgentRejected), "rejectedAt": s.timestamp()}
	return s.decideAgentRequest(ctx, id, caller, "reject", StatusRejected, patch)
}

func (s *Service) decideAgentRequest(ctx context.Context, id, caller, verb, to string, patch store.Patch) (*AgentRequest, error) {
	ar, err := s.loadAgentRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := assertOwner(ar, caller, CodeUnauthorized); err != nil {
		return nil, err
	}
	if ar.Status != StatusPending {
		return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Agent request is %s, cannot %s", ar.Status, verb)
	}
	if s.isPast(ar.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionAgentRequests, id, reasonAgentExpired); err != nil {
			return nil, err
		}
		return nil, expired(CodeAgentRequestExpired, "Agent request has expired")
	}

	err = s.transition(ctx, store.CollectionAgentRequests, id, StatusPending, to, patch)
	if errors.Is(err, store.ErrConflict) {
		status, rerr := s.currentStatus(ctx, store.CollectionAgentRequests, id)
		if rerr != nil {
			return nil, dependency("re-reading agent request", rerr)
		}
		return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Agent request is %s, cannot %s", status, verb)
	}
	if err != nil {
		return nil, dependency("updating agent request", err)
	}
	return s.loadAgentRequest(ctx, id)
}

// ListAgentRequests returns agent requests addressed to the caller's wallets,
// newest first. An empty status lists every status.
func (s *Service) ListAgentRequests(ctx context.Context, caller, status string, limit int) ([]*AgentRequest, error) {
	filters := []store.Filter{{Field: "userId", Value: caller}}
	if status != "" {
		filters = append(filters, store.Filter{Field: store.FieldStatus, Value: status})
	}
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionAgentRequests,
		Filters:    filters,
		OrderBy:    store.FieldCreatedAt,
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, dependency("listing agent requests", err)
	}

	out := make([]*AgentRequest, 0, len(docs))
	for _, doc := range docs {
		var ar AgentRequest
		if err := doc.Decode(&ar); err != nil {
			return nil, err
		}
		out = append(out, &ar)
	}
	return out, nil
}

// GetAgentStatus reports whether agentToken is registered. Unknown tokens
// are not an error.
func (s *Service) GetAgentStatus(ctx context.Context, agentToken string) (*AgentStatus, error) {
	if err := required("agentToken", agentToken); err != nil {
		return nil, err
	}
	wallet, err := s.walletForToken(ctx, agentToken)
	if IsKind(err, KindNotFound) {
		return &AgentStatus{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &AgentStatus{
		Valid:          true,
		AgentToken:     agentToken,
		WalletAddress:  wallet.Address,
		WalletID:       wallet.ID,
		AgentCreatedAt: wallet.AgentCreatedAt,
	}, nil
}

func (s *Service) loadAgentRequest(ctx context.Context, id string) (*AgentRequest, error) {
	var ar AgentRequest
	if err := s.load(ctx, store.CollectionAgentRequests, id, &ar, CodeAgentRequestNotFound, "Agent request not found"); err != nil {
		return nil, err
	}
	return &ar, nil
}
