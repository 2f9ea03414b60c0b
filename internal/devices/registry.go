// ABOUTME: Device registry mapping phone and browser devices to push tokens
// ABOUTME: Browser tokens are filed under the phone's device id so both sides share one key

package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

// Push token length bounds accepted at registration.
const (
	MinPushTokenLength = 100
	MaxPushTokenLength = 2000
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNotDeviceOwner   = errors.New("device belongs to another account")
	ErrInvalidPushToken = fmt.Errorf("push token must be %d to %d characters", MinPushTokenLength, MaxPushTokenLength)
	ErrMissingDeviceID  = errors.New("device id is required")
	ErrNoActiveAddress  = errors.New("no active push address for device")
)

// PhoneDevice is a phone's push registration, stored at device_tokens/{deviceId}.
type PhoneDevice struct {
	UserID     string         `json:"userId"`
	DeviceID   string         `json:"deviceId"`
	PushToken  string         `json:"deviceToken"`
	DeviceInfo map[string]any `json:"deviceInfo"`
	IsActive   bool           `json:"isActive"`
	LastSeen   string         `json:"lastSeen"`
	CreatedAt  string         `json:"createdAt"`
	UpdatedAt  string         `json:"updatedAt"`
}

// BrowserDevice is a browser's push registration, stored at
// browser_device_tokens/{phoneDeviceId}.
type BrowserDevice struct {
	UserID          string `json:"userId"`
	BrowserDeviceID string `json:"browserDeviceId"`
	PushToken       string `json:"browserFCMToken"`
	PhoneDeviceID   string `json:"phoneDeviceId"`
	IsActive        bool   `json:"isActive"`
	LastSeen        string `json:"lastSeen"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// Registry stores push addresses in the session store.
type Registry struct {
	store  store.SessionStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(s store.SessionStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger.With("component", "devices"), now: time.Now}
}

func validPushToken(token string) error {
	if len(token) < MinPushTokenLength || len(token) > MaxPushTokenLength {
		return ErrInvalidPushToken
	}
	return nil
}

// RegisterPhone records or replaces the push token for a phone device. An
// active registration held by another account is never replaced.
func (r *Registry) RegisterPhone(ctx context.Context, owner, deviceID, pushToken string, deviceInfo map[string]any) (*PhoneDevice, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if err := validPushToken(pushToken); err != nil {
		return nil, err
	}
	if deviceInfo == nil {
		deviceInfo = map[string]any{}
	}

	now := store.Timestamp(r.now())
	createdAt := now
	var existing PhoneDevice
	found, err := r.existing(ctx, store.CollectionDeviceTokens, deviceID, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.IsActive && existing.UserID != owner {
			r.logger.Warn("phone registration rejected: device owned by another account",
				"device_id", deviceID, "user_id", owner)
			return nil, ErrNotDeviceOwner
		}
		if existing.UserID == owner && existing.CreatedAt != "" {
			createdAt = existing.CreatedAt
		}
	}

	dev := &PhoneDevice{
		UserID:     owner,
		DeviceID:   deviceID,
		PushToken:  pushToken,
		DeviceInfo: deviceInfo,
		IsActive:   true,
		LastSeen:   now,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
	if err := r.store.Set(ctx, store.CollectionDeviceTokens, deviceID, dev); err != nil {
		return nil, fmt.Errorf("saving device: %w", err)
	}

	r.logger.Info("phone push token registered", "device_id", deviceID, "user_id", owner)
	return dev, nil
}

// UnregisterPhone marks the caller's phone device inactive.
func (r *Registry) UnregisterPhone(ctx context.Context, owner, deviceID string) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	doc, err := r.store.Get(ctx, store.CollectionDeviceTokens, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("reading device: %w", err)
	}

	var dev PhoneDevice
	if err := doc.Decode(&dev); err != nil {
		return err
	}
	if dev.UserID != owner {
		return ErrNotDeviceOwner
	}

	patch := store.Patch{"isActive": false, "updatedAt": store.Timestamp(r.now())}
	if err := r.store.Update(ctx, store.CollectionDeviceTokens, deviceID, patch); err != nil {
		return fmt.Errorf("deactivating device: %w", err)
	}

	r.logger.Info("phone push token unregistered", "device_id", deviceID, "user_id", owner)
	return nil
}

// ListPhones returns the caller's active phone devices, newest first.
func (r *Registry) ListPhones(ctx context.Context, owner string) ([]*PhoneDevice, error) {
	docs, err := r.store.Query(ctx, store.Query{
		Collection: store.CollectionDeviceTokens,
		Filters: []store.Filter{
			{Field: "userId", Value: owner},
			{Field: "isActive", Value: true},
		},
		OrderBy: store.FieldCreatedAt,
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	out := make([]*PhoneDevice, 0, len(docs))
	for _, doc := range docs {
		var dev PhoneDevice
		if err := doc.Decode(&dev); err != nil {
			return nil, err
		}
		out = append(out, &dev)
	}
	return out, nil
}

// RegisterBrowser links a browser push token to the phone device it pairs
// with. The slot under phoneDeviceID stays with the account that holds it
// while it is active.
func (r *Registry) RegisterBrowser(ctx context.Context, owner, browserDeviceID, pushToken, phoneDeviceID string) (*BrowserDevice, error) {
	if browserDeviceID == "" || phoneDeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if err := validPushToken(pushToken); err != nil {
		return nil, err
	}

	now := store.Timestamp(r.now())
	createdAt := now
	var existing BrowserDevice
	found, err := r.existing(ctx, store.CollectionBrowserTokens, phoneDeviceID, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		if existing.IsActive && existing.UserID != owner {
			r.logger.Warn("browser registration rejected: slot owned by another account",
				"phone_device_id", phoneDeviceID, "user_id", owner)
			return nil, ErrNotDeviceOwner
		}
		if existing.UserID == owner && existing.CreatedAt != "" {
			createdAt = existing.CreatedAt
		}
	}

	dev := &BrowserDevice{
		UserID:          owner,
		BrowserDeviceID: browserDeviceID,
		PushToken:       pushToken,
		PhoneDeviceID:   phoneDeviceID,
		IsActive:        true,
		LastSeen:        now,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}
	if err := r.store.Set(ctx, store.CollectionBrowserTokens, phoneDeviceID, dev); err != nil {
		return nil, fmt.Errorf("saving browser device: %w", err)
	}

	r.logger.Info("browser push token registered",
		"browser_device_id", browserDeviceID,
		"phone_device_id", phoneDeviceID,
		"user_id", owner)
	return dev, nil
}

// PhoneAddress returns the active push token for a phone device.
func (r *Registry) PhoneAddress(ctx context.Context, deviceID string) (string, error) {
	var dev PhoneDevice
	if err := r.load(ctx, store.CollectionDeviceTokens, deviceID, &dev); err != nil {
		return "", err
	}
	if !dev.IsActive || dev.PushToken == "" {
		return "", ErrNoActiveAddress
	}
	return dev.PushToken, nil
}

// BrowserAddress returns the browser push token filed under the phone device id.
func (r *Registry) BrowserAddress(ctx context.Context, deviceID string) (string, error) {
	var dev BrowserDevice
	if err := r.load(ctx, store.CollectionBrowserTokens, deviceID, &dev); err != nil {
		return "", err
	}
	if !dev.IsActive || dev.PushToken == "" {
		return "", ErrNoActiveAddress
	}
	return dev.PushToken, nil
}

// Deactivate marks a phone address unusable after the provider rejected it.
func (r *Registry) Deactivate(ctx context.Context, deviceID string) error {
	patch := store.Patch{"isActive": false, "updatedAt": store.Timestamp(r.now())}
	if err := r.store.Update(ctx, store.CollectionDeviceTokens, deviceID, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// existing decodes the current record into v, reporting false when there
// is none.
func (r *Registry) existing(ctx context.Context, collection, id string, v any) (bool, error) {
	doc, err := r.store.Get(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading device: %w", err)
	}
	if err := doc.Decode(v); err != nil {
		return false, fmt.Errorf("decoding device: %w", err)
	}
	return true, nil
}

func (r *Registry) load(ctx context.Context, collection, deviceID string, v any) error {
	if deviceID == "" {
		return ErrNoActiveAddress
	}
	doc, err := r.store.Get(ctx, collection, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoActiveAddress
	}
	if err != nil {
		return fmt.Errorf("reading device: %w", err)
	}
	return doc.Decode(v)
}
