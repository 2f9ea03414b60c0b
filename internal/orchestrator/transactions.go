// ABOUTME: Transaction approval orchestrator: browser proposes, phone approves or rejects
// ABOUTME: Expiry is enforced lazily and every transition goes through a conditional status update

package orchestrator

import (
	"context"
	"errors"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

// Transaction field defaults.
const (
	DefaultTxData     = "0x"
	DefaultTxGasLimit = "21000"
	DefaultTxGasPrice = "20000000000"
)

const (
	reasonTransactionExpired  = "Transaction expired"
	reasonTransactionRejected = "Transaction rejected by user"
)

// CreateTransactionRequest is the browser's proposed transfer.
type CreateTransactionRequest struct {
	WalletID    string
	To          string
	Value       string
	Data        string
	GasLimit    string
	GasPrice    string
	Description string
}

// TransactionStatus is the status view of a transaction.
type TransactionStatus struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Error           string `json:"error,omitempty"`
	ExpiresAt       string `json:"expiresAt"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// TransactionFilter narrows ListTransactions. Empty fields match everything.
type TransactionFilter struct {
	WalletID string
	Status   string
	Limit    int
}

// CreateTransaction validates the transfer, stores it as PENDING and pushes
// an approval prompt to the wallet's phone. A failed push only leaves
// notificationSent false.
func (s *Service) CreateTransaction(ctx context.Context, caller string, req CreateTransactionRequest) (*Transaction, error) {
	if err := required("walletId", req.WalletID, "to", req.To, "value", req.Value); err != nil {
		return nil, err
	}
	if err := ValidateAddress(req.To); err != nil {
		return nil, err
	}
	if err := ValidateValue(req.Value); err != nil {
		return nil, err
	}

	var wallet Wallet
	if err := s.load(ctx, store.CollectionWallets, req.WalletID, &wallet, CodeWalletNotFound, "Wallet not found"); err != nil {
		return nil, err
	}
	if err := assertOwner(&wallet, caller, CodeUnauthorized); err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.opts.TransactionTTL)
	tx := &Transaction{
		ID:          newTransactionID(),
		WalletID:    req.WalletID,
		To:          req.To,
		Value:       req.Value,
		Data:        orDefault(req.Data, DefaultTxData),
		GasLimit:    orDefault(req.GasLimit, DefaultTxGasLimit),
		GasPrice:    orDefault(req.GasPrice, DefaultTxGasPrice),
		Description: req.Description,
		Status:      StatusPending,
		DeviceID:    wallet.DeviceID,
		UserID:      caller,
		ExpiresAt:   store.Timestamp(expiresAt),
		CreatedAt:   store.Timestamp(now),
		UpdatedAt:   store.Timestamp(now),
	}
	if err := s.store.Create(ctx, store.CollectionTransactions, tx.ID, tx); err != nil {
		return nil, dependency("creating transaction", err)
	}
	s.logger.Info("transaction created", "transaction_id", tx.ID, "wallet_id", tx.WalletID, "device_id", tx.DeviceID)

	err := s.notifier.TransactionApproval(ctx, tx.DeviceID, notify.TransactionApproval{
		TransactionID: tx.ID,
		To:            tx.To,
		Value:         tx.Value,
		Description:   tx.Description,
		ExpiresAt:     expiresAt,
	})
	if s.notifyResult(notify.TypeTransactionApproval, tx.ID, err) {
		sentAt := s.timestamp()
		patch := store.Patch{"notificationSent": true, "notificationSentAt": sentAt}
		if err := s.store.Update(ctx, store.CollectionTransactions, tx.ID, patch); err != nil {
			s.logger.Warn("failed to record notification", "transaction_id", tx.ID, "error", err)
		} else {
			tx.NotificationSent = true
			tx.NotificationSentAt = sentAt
		}
	}
	return tx, nil
}

// ApproveTransaction records the phone's approval with the chain transaction hash.
func (s *Service) ApproveTransaction(ctx context.Context, id, transactionHash, signature, caller string) (*Transaction, error) {
	if err := required("transactionId", id, "transactionHash", transactionHash); err != nil {
		return nil, err
	}
	now := s.timestamp()
	patch := store.Patch{
		"transactionHash": transactionHash,
		"approvedAt":      now,
	}
	if signature != "" {
		patch["signature"] = signature
	}
	return s.decideTransaction(ctx, id, caller, "approve", StatusApproved, patch)
}

// RejectTransaction records the phone's rejection.
func (s *Service) RejectTransaction(ctx context.Context, id, reason, caller string) (*Transaction, error) {
	if err := required("transactionId", id); err != nil {
		return nil, err
	}
	patch := store.Patch{
		"error":      orDefault(reason, reasonTransactionRejected),
		"rejectedAt": s.timestamp(),
	}
	return s.decideTransaction(ctx, id, caller, "reject", StatusRejected, patch)
}

// decideTransaction applies an approve or reject. Checks run in order:
// existence, ownership, status, expiry.
func (s *Service) decideTransaction(ctx context.Context, id, caller, verb, to string, patch store.Patch) (*Transaction, error) {
	tx, err := s.loadTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := assertOwner(tx, caller, CodeUnauthorized); err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Transaction is %s, cannot %s", tx.Status, verb)
	}
	if s.isPast(tx.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionTransactions, id, reasonTransactionExpired); err != nil {
			return nil, err
		}
		return nil, expired(CodeTransactionExpired, reasonTransactionExpired)
	}

	err = s.transition(ctx, store.CollectionTransactions, id, StatusPending, to, patch)
	if errors.Is(err, store.ErrConflict) {
		status, rerr := s.currentStatus(ctx, store.CollectionTransactions, id)
		if rerr != nil {
			return nil, dependency("re-reading transaction", rerr)
		}
		return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Transaction is %s, cannot %s", status, verb)
	}
	if err != nil {
		return nil, dependency("updating transaction", err)
	}

	updated, err := s.loadTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	nerr := s.notifier.TransactionStatus(ctx, updated.DeviceID, updated.ID, updated.Status, updated.TransactionHash)
	s.notifyResult(notify.TypeTransactionStatus, updated.ID, nerr)
	return updated, nil
}

// MarkTransactionFailed records a downstream chain submission failure on an
// approved transaction.
func (s *Service) MarkTransactionFailed(ctx context.Context, id, reason string) (*Transaction, error) {
	if _, err := s.loadTransaction(ctx, id); err != nil {
		return nil, err
	}
	patch := store.Patch{"error": orDefault(reason, "Transaction failed"), "failedAt": s.timestamp()}
	err := s.transition(ctx, store.CollectionTransactions, id, StatusApproved, StatusFailed, patch)
	if errors.Is(err, store.ErrConflict) {
		status, rerr := s.currentStatus(ctx, store.CollectionTransactions, id)
		if rerr != nil {
			return nil, dependency("re-reading transaction", rerr)
		}
		return nil, newError(KindInvalidStatus, CodeInvalidStatus, "Transaction is %s, cannot fail", status)
	}
	if err != nil {
		return nil, dependency("failing transaction", err)
	}

	tx, err := s.loadTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	nerr := s.notifier.TransactionStatus(ctx, tx.DeviceID, tx.ID, tx.Status, tx.TransactionHash)
	s.notifyResult(notify.TypeTransactionStatus, tx.ID, nerr)
	return tx, nil
}

// GetTransaction returns one of the caller's transactions, promoting it to
// EXPIRED first when its deadline has passed.
func (s *Service) GetTransaction(ctx context.Context, id, caller string) (*Transaction, error) {
	tx, err := s.loadTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := assertOwner(tx, caller, CodeUnauthorized); err != nil {
		return nil, err
	}
	if tx.Status == StatusPending && s.isPast(tx.ExpiresAt) {
		if err := s.expire(ctx, store.CollectionTransactions, id, reasonTransactionExpired); err != nil {
			return nil, err
		}
		return s.loadTransaction(ctx, id)
	}
	return tx, nil
}

// GetTransactionStatus is GetTransaction reduced to its status fields.
func (s *Service) GetTransactionStatus(ctx context.Context, id, caller string) (*TransactionStatus, error) {
	tx, err := s.GetTransaction(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return &TransactionStatus{
		ID:              tx.ID,
		Status:          tx.Status,
		TransactionHash: tx.TransactionHash,
		Error:           tx.Error,
		ExpiresAt:       tx.ExpiresAt,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}, nil
}

// ListTransactions returns the caller's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, caller string, f TransactionFilter) ([]*Transaction, error) {
	filters := []store.Filter{{Field: "userId", Value: caller}}
	if f.WalletID != "" {
		filters = append(filters, store.Filter{Field: "walletId", Value: f.WalletID})
	}
	if f.Status != "" {
		filters = append(filters, store.Filter{Field: store.FieldStatus, Value: f.Status})
	}
	docs, err := s.store.Query(ctx, store.Query{
		Collection: store.CollectionTransactions,
		Filters:    filters,
		OrderBy:    store.FieldCreatedAt,
		Desc:       true,
		Limit:      f.Limit,
	})
	if err != nil {
		return nil, dependency("listing transactions", err)
	}

	out := make([]*Transaction, 0, len(docs))
	for _, doc := range docs {
		var tx Transaction
		if err := doc.Decode(&tx); err != nil {
			return nil, err
		}
		out = append(out, &tx)
	}
	return out, nil
}

func (s *Service) loadTransaction(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := s.load(ctx, store.CollectionTransactions, id, &tx, CodeTransactionNotFound, "Transaction not found"); err != nil {
		return nil, err
	}
	return &tx, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
