// ABOUTME: Firebase Cloud Messaging sender using the HTTP v1 API
// ABOUTME: Authenticates with a service account through golang.org/x/oauth2/google

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// DefaultFCMEndpoint is the HTTP v1 API base URL.
	DefaultFCMEndpoint = "https://fcm.googleapis.com"
	fcmScope           = "https://www.googleapis.com/auth/firebase.messaging"
	fcmTimeout         = 15 * time.Second

	// ChannelTransactionApproval is the Android notification channel the
	// wallet app registers for approval prompts.
	ChannelTransactionApproval = "transaction_approval"
)

// FCMSender sends through FCM.
type FCMSender struct {
	client   *http.Client
	endpoint string
	project  string
}

// FCMOption configures an FCMSender.
type FCMOption func(*FCMSender)

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) FCMOption {
	return func(s *FCMSender) {
		if endpoint != "" {
			s.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// NewFCMSender builds a sender whose requests are authorized by ts.
func NewFCMSender(ctx context.Context, projectID string, ts oauth2.TokenSource, opts ...FCMOption) *FCMSender {
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = fcmTimeout
	s := &FCMSender{
		client:   client,
		endpoint: DefaultFCMEndpoint,
		project:  projectID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFCMSenderFromCredentials loads a service account JSON file, or falls back
// to application default credentials when credentialsFile is empty.
func NewFCMSenderFromCredentials(ctx context.Context, projectID, credentialsFile string, opts ...FCMOption) (*FCMSender, error) {
	var ts oauth2.TokenSource
	if credentialsFile == "" {
		var err error
		ts, err = google.DefaultTokenSource(ctx, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
	} else {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials: %w", err)
		}
		ts = creds.TokenSource
	}
	return NewFCMSender(ctx, projectID, ts, opts...), nil
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority     string                 `json:"priority"`
	Notification fcmAndroidNotification `json:"notification"`
}

type fcmAndroidNotification struct {
	ChannelID             string `json:"channel_id"`
	NotificationPriority  string `json:"notification_priority"`
	DefaultSound          bool   `json:"default_sound"`
	DefaultVibrateTimings bool   `json:"default_vibrate_timings"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
	Payload fcmAPNSPayload    `json:"payload"`
}

type fcmAPNSPayload struct {
	APS fcmAPS `json:"aps"`
}

type fcmAPS struct {
	Sound    string `json:"sound"`
	Badge    int    `json:"badge"`
	Category string `json:"category"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func buildFCMMessage(token string, msg Message) fcmRequest {
	return fcmRequest{Message: fcmMessage{
		Token:        token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android: fcmAndroid{
			Priority: "high",
			Notification: fcmAndroidNotification{
				ChannelID:             ChannelTransactionApproval,
				NotificationPriority:  "PRIORITY_HIGH",
				DefaultSound:          true,
				DefaultVibrateTimings: true,
			},
		},
		APNS: fcmAPNS{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: fcmAPNSPayload{APS: fcmAPS{
				Sound:    "default",
				Badge:    1,
				Category: ChannelTransactionApproval,
			}},
		},
	}}
}

// Send implements Sender. A token FCM reports as unregistered yields
// ErrUnregistered.
func (s *FCMSender) Send(ctx context.Context, token string, msg Message) error {
	body, err := json.Marshal(buildFCMMessage(token, msg))
	if err != nil {
		return fmt.Errorf("encoding fcm message: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, s.project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var fe fcmError
	_ = json.Unmarshal(raw, &fe)
	for _, d := range fe.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return ErrUnregistered
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnregistered
	}
	if fe.Error.Message != "" {
		return fmt.Errorf("fcm send: status %d: %s", resp.StatusCode, fe.Error.Message)
	}
	return fmt.Errorf("fcm send: status %d", resp.StatusCode)
}
