// ABOUTME: Formats approval and status notifications and sends them to the right device
// ABOUTME: Destinations come from the device registry; delivery goes through a push.Sender

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/push"
)

// ErrNoDevice means the target device has no active push address.
var ErrNoDevice = errors.New("no active device for notification")

// Notification types carried in the data payload's "type" field.
const (
	TypeTransactionApproval = "transaction_approval"
	TypeTransactionStatus   = "transaction_status"
	TypeAgentSignRequest    = "agent_sign_request"
	TypeKeygenRequested     = "keygen_requested"
)

// AddressBook resolves device ids to push tokens.
type AddressBook interface {
	PhoneAddress(ctx context.Context, deviceID string) (string, error)
	BrowserAddress(ctx context.Context, deviceID string) (string, error)
	Deactivate(ctx context.Context, deviceID string) error
}

// TransactionApproval describes a transaction awaiting the phone's decision.
type TransactionApproval struct {
	TransactionID string
	To            string
	Value         string // wei, decimal
	Description   string
	ExpiresAt     time.Time
}

// AgentSignRequest describes an agent's request awaiting the phone's decision.
type AgentSignRequest struct {
	AgentRequestID string
	Hash           string
	Message        string
	Amount         string
	Product        string
	ChainID        string
	WalletAddress  string
	ExpiresAt      time.Time
}

// Dispatcher sends notifications. Every method is safe to call with a missing
// device; it returns ErrNoDevice and the caller decides whether to care.
type Dispatcher struct {
	sender push.Sender
	book   AddressBook
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. Pass nil logger for default.
func NewDispatcher(sender push.Sender, book AddressBook, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender: sender,
		book:   book,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// TransactionApproval asks the phone to approve or reject a transaction.
func (d *Dispatcher) TransactionApproval(ctx context.Context, phoneDeviceID string, tx TransactionApproval) error {
	amount := FormatEther(tx.Value)
	expiresIn := d.timeUntil(tx.ExpiresAt)

	msg := push.Message{
		Title: "Transaction Approval Required",
		Body:  fmt.Sprintf("Approve transaction to %s for %s ETH (expires in %s)", ShortAddress(tx.To), amount, expiresIn),
		Data: map[string]string{
			"type":          TypeTransactionApproval,
			"transactionId": tx.TransactionID,
			"to":            tx.To,
			"value":         tx.Value,
			"description":   tx.Description,
			"expiresAt":     formatExpiry(tx.ExpiresAt),
			"action":        "approve_reject",
		},
	}
	return d.toPhone(ctx, phoneDeviceID, msg)
}

var statusBodies = map[string]string{
	"APPROVED": "Transaction approved and submitted to blockchain",
	"REJECTED": "Transaction rejected",
	"EXPIRED":  "Transaction expired",
	"FAILED":   "Transaction failed",
}

// TransactionStatus tells the browser paired with phoneDeviceID that a
// transaction changed state.
func (d *Dispatcher) TransactionStatus(ctx context.Context, phoneDeviceID, transactionID, status, transactionHash string) error {
	title := "Transaction " + strings.ToLower(status)
	body, ok := statusBodies[status]
	if !ok {
		body = title
	}

	msg := push.Message{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":            TypeTransactionStatus,
			"transactionId":   transactionID,
			"status":          status,
			"transactionHash": transactionHash,
			"action":          "view_details",
		},
	}

	token, err := d.book.BrowserAddress(ctx, phoneDeviceID)
	if err != nil {
		d.logger.Debug("no browser address for status update", "device_id", phoneDeviceID, "error", err)
		return ErrNoDevice
	}
	return d.send(ctx, "", token, msg)
}

// AgentSignRequest asks the phone to sign on behalf of an agent.
func (d *Dispatcher) AgentSignRequest(ctx context.Context, phoneDeviceID string, req AgentSignRequest) error {
	msg := push.Message{
		Title: "Agent Signature Request",
		Body:  fmt.Sprintf("%s requests a signature for %s (chain %s)", req.Product, req.Amount, req.ChainID),
		Data: map[string]string{
			"type":           TypeAgentSignRequest,
			"agentRequestId": req.AgentRequestID,
			"hash":           req.Hash,
			"message":        req.Message,
			"amount":         req.Amount,
			"product":        req.Product,
			"chainId":        req.ChainID,
			"walletAddress":  req.WalletAddress,
			"expiresAt":      formatExpiry(req.ExpiresAt),
			"action":         "approve_reject",
		},
	}
	return d.toPhone(ctx, phoneDeviceID, msg)
}

// KeygenRequested prompts the phone to join key generation.
func (d *Dispatcher) KeygenRequested(ctx context.Context, phoneDeviceID, sessionID string, expiresAt time.Time) error {
	msg := push.Message{
		Title: "Key Generation Request",
		Body:  fmt.Sprintf("Open the app to create your wallet key (expires in %s)", d.timeUntil(expiresAt)),
		Data: map[string]string{
			"type":      TypeKeygenRequested,
			"sessionId": sessionID,
			"expiresAt": formatExpiry(expiresAt),
			"action":    "start_keygen",
		},
	}
	return d.toPhone(ctx, phoneDeviceID, msg)
}

func (d *Dispatcher) toPhone(ctx context.Context, deviceID string, msg push.Message) error {
	token, err := d.book.PhoneAddress(ctx, deviceID)
	if err != nil {
		d.logger.Debug("no phone address", "device_id", deviceID, "type", msg.Data["type"], "error", err)
		return ErrNoDevice
	}
	return d.send(ctx, deviceID, token, msg)
}

// send delivers one message. A token the provider reports as unregistered
// is deactivated when phoneDeviceID is known.
func (d *Dispatcher) send(ctx context.Context, phoneDeviceID, token string, msg push.Message) error {
	err := d.sender.Send(ctx, token, msg)
	if err == nil {
		d.logger.Info("notification sent", "type", msg.Data["type"], "token", push.Redact(token))
		return nil
	}

	d.logger.Warn("notification failed",
		"type", msg.Data["type"],
		"token", push.Redact(token),
		"error", err)

	if errors.Is(err, push.ErrUnregistered) && phoneDeviceID != "" {
		if derr := d.book.Deactivate(ctx, phoneDeviceID); derr != nil {
			d.logger.Warn("failed to deactivate stale device", "device_id", phoneDeviceID, "error", derr)
		}
	}
	return fmt.Errorf("sending %s notification: %w", msg.Data["type"], err)
}

func (d *Dispatcher) timeUntil(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "30 minutes"
	}
	return TimeUntil(expiresAt.Sub(d.now()))
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
