// ABOUTME: Service wires the session store, notifier and transition watcher for every orchestrator
// ABOUTME: Shared helpers for loading records, ownership checks, expiry and status transitions

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/notify"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/watch"
)

// Claim policies for pairing sessions.
const (
	ClaimSameAccount = "same_account"
	ClaimAnyPhone    = "any_phone"
)

// Session statuses. Pairing sessions use Complete after keygen; keygen
// sessions use Completed.
const (
	StatusPending   = "PENDING"
	StatusBound     = "BOUND"
	StatusComplete  = "COMPLETE"
	StatusCompleted = "COMPLETED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusSigned    = "SIGNED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
)

// Options holds lifetimes and policies. Zero values fall back to DefaultOptions.
type Options struct {
	PairingTTL        time.Duration
	KeygenTTL         time.Duration
	TransactionTTL    time.Duration
	AgentRequestTTL   time.Duration
	AgentWaitTimeout  time.Duration
	AgentPollInterval time.Duration
	NotificationTTL   time.Duration
	ClaimPolicy       string
	PublicURL         string
}

// DefaultOptions returns the production lifetimes.
func DefaultOptions() Options {
	return Options{
		PairingTTL:        5 * time.Minute,
		KeygenTTL:         10 * time.Minute,
		TransactionTTL:    30 * time.Minute,
		AgentRequestTTL:   2 * time.Minute,
		AgentWaitTimeout:  2 * time.Minute,
		AgentPollInterval: time.Second,
		NotificationTTL:   10 * time.Minute,
		ClaimPolicy:       ClaimSameAccount,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PairingTTL <= 0 {
		o.PairingTTL = d.PairingTTL
	}
	if o.KeygenTTL <= 0 {
		o.KeygenTTL = d.KeygenTTL
	}
	if o.TransactionTTL <= 0 {
		o.TransactionTTL = d.TransactionTTL
	}
	if o.AgentRequestTTL <= 0 {
		o.AgentRequestTTL = d.AgentRequestTTL
	}
	if o.AgentWaitTimeout <= 0 {
		o.AgentWaitTimeout = d.AgentWaitTimeout
	}
	if o.AgentPollInterval <= 0 {
		o.AgentPollInterval = d.AgentPollInterval
	}
	if o.NotificationTTL <= 0 {
		o.NotificationTTL = d.NotificationTTL
	}
	if o.ClaimPolicy == "" {
		o.ClaimPolicy = d.ClaimPolicy
	}
	return o
}

// Notifier sends pushes for orchestrator events. notify.Dispatcher implements it.
type Notifier interface {
	TransactionApproval(ctx context.Context, phoneDeviceID string, tx notify.TransactionApproval) error
	TransactionStatus(ctx context.Context, phoneDeviceID, transactionID, status, transactionHash string) error
	AgentSignRequest(ctx context.Context, phoneDeviceID string, req notify.AgentSignRequest) error
	KeygenRequested(ctx context.Context, phoneDeviceID, sessionID string, expiresAt time.Time) error
}

// Watcher carries status transition events between requests.
// watch.Broadcaster and watch.RedisRelay implement it.
type Watcher interface {
	Publish(ctx context.Context, event watch.Event) error
	Subscribe(ctx context.Context, key string) (<-chan watch.Event, string)
	Unsubscribe(key, subID string)
}

// Observer receives counters about orchestrator activity.
type Observer interface {
	Transition(collection, from, to string)
	Notification(kind string, sent bool)
	AgentWait(outcome string, waited time.Duration)
}

type nopObserver struct{}

func (nopObserver) Transition(string, string, string) {}
func (nopObserver) Notification(string, bool)         {}
func (nopObserver) AgentWait(string, time.Duration)   {}

// Service implements the pairing, keygen, transaction and agent orchestrators
// over one session store.
type Service struct {
	store    store.SessionStore
	notifier Notifier
	watcher  Watcher
	observer Observer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the orchestrator service. A nil watcher gets an in-process
// broadcaster; pass nil logger for default.
func New(s store.SessionStore, notifier Notifier, watcher Watcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if watcher == nil {
		watcher = watch.NewBroadcaster(logger)
	}
	return &Service{
		store:    s,
		notifier: notifier,
		watcher:  watcher,
		observer: nopObserver{},
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// SetObserver installs activity counters.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// Watcher returns the transition watcher, for streaming endpoints.
func (s *Service) Watcher() Watcher {
	return s.watcher
}

func (s *Service) timestamp() string {
	return store.Timestamp(s.now())
}

// load reads a record into v, mapping a missing document to a NotFound error
// with the given code.
func (s *Service) load(ctx context.Context, collection, id string, v any, code, msg string) error {
	if id == "" {
		return notFound(code, msg)
	}
	doc, err := s.store.Get(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(code, msg)
	}
	if err != nil {
		return dependency("reading "+collection, err)
	}
	return doc.Decode(v)
}

// ownedRecord is any record with an owning principal.
type ownedRecord interface {
	owner() string
}

// assertOwner fails with a Forbidden error unless principalID owns rec.
func assertOwner(rec ownedRecord, principalID, code string) error {
	if principalID == "" || rec.owner() != principalID {
		return forbidden(code, "Not authorized to access this record")
	}
	return nil
}

// isPast reports whether an expiry timestamp has passed. Unparseable
// expiries count as past.
func (s *Service) isPast(expiresAt string) bool {
	t, err := store.ParseTimestamp(expiresAt)
	if err != nil {
		return true
	}
	return !s.now().Before(t)
}

// transition moves a record out of from. It is the only way records change
// status; the winner publishes a watch event. store.ErrConflict and
// store.ErrNotFound are returned unwrapped for the caller to interpret.
func (s *Service) transition(ctx context.Context, collection, id, from, to string, patch store.Patch) error {
	if patch == nil {
		patch = store.Patch{}
	}
	now := s.now()
	patch[store.FieldStatus] = to
	patch["updatedAt"] = store.Timestamp(now)

	if err := s.store.UpdateIfStatus(ctx, collection, id, from, patch); err != nil {
		return err
	}

	s.observer.Transition(collection, from, to)
	s.logger.Info("status transition", "collection", collection, "id", id, "from", from, "to", to)

	event := watch.Event{Collection: collection, ID: id, Status: to, At: now}
	if err := s.watcher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish transition", "collection", collection, "id", id, "error", err)
	}
	return nil
}

// expire performs the PENDING to EXPIRED transition for a record whose
// deadline has passed. Losing the race to another writer is not an error;
// the caller re-reads if it needs the final status.
func (s *Service) expire(ctx context.Context, collection, id, reason string) error {
	patch := store.Patch{}
	if reason != "" {
		patch["error"] = reason
	}
	err := s.transition(ctx, collection, id, StatusPending, StatusExpired, patch)
	if err == nil || errors.Is(err, store.ErrConflict) {
		return nil
	}
	return dependency("expiring "+collection, err)
}

// currentStatus re-reads a record's status after a lost race.
func (s *Service) currentStatus(ctx context.Context, collection, id string) (string, error) {
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		return "", err
	}
	var rec struct {
		Status string `json:"status"`
	}
	if err := doc.Decode(&rec); err != nil {
		return "", err
	}
	return rec.Status, nil
}

// notifyResult logs and counts a best-effort push.
func (s *Service) notifyResult(kind, id string, err error) bool {
	sent := err == nil
	s.observer.Notification(kind, sent)
	if err != nil {
		if errors.Is(err, notify.ErrNoDevice) {
			s.logger.Info("no device for notification", "type", kind, "id", id)
		} else {
			s.logger.Warn("notification failed", "type", kind, "id", id, "error", err)
		}
	}
	return sent
}

// required takes name, value pairs and reports the first empty value.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return validation(CodeMissingFields, fmt.Sprintf("%s is required", pairs[i]))
		}
	}
	return nil
}
