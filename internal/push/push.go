// ABOUTME: Push notification delivery abstraction used by the notification dispatcher
// ABOUTME: Defines the Message shape and the Sender interface plus log and mock senders

package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrUnregistered means the provider no longer knows the device token.
var ErrUnregistered = errors.New("push token unregistered")

// Message is one notification. Data values must be strings for FCM.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers a message to one device token.
type Sender interface {
	Send(ctx context.Context, token string, msg Message) error
}

// Redact shortens a device token for logs.
func Redact(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}

// LogSender logs messages instead of delivering them. Used in development and
// when push.provider is "log".
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. Pass nil logger for default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "push.log")}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, token string, msg Message) error {
	s.logger.Info("push notification",
		"token", Redact(token),
		"title", msg.Title,
		"body", msg.Body,
		"type", msg.Data["type"])
	return nil
}

// Sent is a message recorded by MockSender.
type Sent struct {
	Token   string
	Message Message
}

// MockSender records messages for tests. Err, when set, is returned from Send
// and nothing is recorded.
type MockSender struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send implements Sender.
func (m *MockSender) Send(_ context.Context, token string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, Sent{Token: token, Message: msg})
	return nil
}

// SetError makes subsequent sends fail with err.
func (m *MockSender) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Sent returns a copy of everything delivered so far.
func (m *MockSender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
