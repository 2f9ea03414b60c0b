// ABOUTME: HTTP tests for login, pairing, keygen, wallet, transaction, agent and device routes
// ABOUTME: Each test drives the orchestrator only through its public endpoints

package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/config"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
)

const testAgentToken = "agent-token-abcdefghijkl"

var testPhonePushToken = strings.Repeat("p", 152)

func TestBrowserLogin_SetsCookie(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/auth/browser", "", map[string]string{"id_token": "firebase-id-token"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[loginResponse](t, rec)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Token, "browser token travels only in the cookie")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, auth.BrowserCookie, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure, "public URL is https")
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)

	p, err := tg.gw.tokens.Verify(c.Value)
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{ID: testUser, Role: auth.RoleBrowser}, p)

	// The cookie alone authenticates browser routes.
	req := httptest.NewRequest(http.MethodPost, "/start_pairing", nil)
	req.AddCookie(c)
	rr := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPhoneLogin_ReturnsToken(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/auth/phone", "", map[string]string{"id_token": "firebase-id-token"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[loginResponse](t, rec)
	require.NotEmpty(t, resp.Token)

	p, err := tg.gw.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RolePhone, p.Role)

	rec = tg.do(t, http.MethodPost, "/auth/refresh", resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[loginResponse](t, rec).Token)
}

func TestLogin_Failures(t *testing.T) {
	tg := newTestGateway(t, func(_ *config.Config, d *deps) {
		d.identity = fakeIdentity{err: errors.New("bad signature")}
	})
	rec := tg.do(t, http.MethodPost, "/auth/phone", "", map[string]string{"id_token": "firebase-id-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tg.do(t, http.MethodPost, "/auth/phone", "", map[string]string{"id_token": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := newTestGateway(t, func(_ *config.Config, d *deps) { d.identity = nil })
	rec = disabled.do(t, http.MethodPost, "/auth/browser", "", map[string]string{"id_token": "firebase-id-token"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "login_unavailable", errorCode(t, rec))
}

func TestLogout_ClearsCookie(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.do(t, http.MethodPost, "/auth/logout", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestPairingFlow(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/start_pairing", tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	start := decode[orchestrator.PairingStart](t, rec)
	assert.NotEmpty(t, start.Nonce)

	rec = tg.do(t, http.MethodGet, "/session/"+start.SessionID, tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.StatusPending, decode[orchestrator.SessionView](t, rec).Status)

	claim := map[string]string{"sessionId": start.SessionID, "nonce": "wrong-nonce", "deviceId": testDevice}
	rec = tg.do(t, http.MethodPost, "/claim_session", tg.phone(t), claim)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orchestrator.CodeNonceMismatch, errorCode(t, rec))

	claim["nonce"] = start.Nonce
	rec = tg.do(t, http.MethodPost, "/claim_session", tg.token(t, otherUser, auth.RolePhone), claim)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, orchestrator.CodeOwnerMismatch, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/claim_session", tg.phone(t), claim)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = tg.do(t, http.MethodPost, "/claim_session", tg.phone(t), claim)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, orchestrator.CodeAlreadyClaimedOrExpired, errorCode(t, rec))

	rec = tg.do(t, http.MethodGet, "/session/"+start.SessionID, tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[orchestrator.SessionView](t, rec)
	assert.Equal(t, orchestrator.StatusBound, view.Status)
	require.NotNil(t, view.DeviceID)
	assert.Equal(t, testDevice, *view.DeviceID)

	rec = tg.do(t, http.MethodGet, "/session/"+start.SessionID, tg.token(t, otherUser, auth.RoleBrowser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tg.do(t, http.MethodGet, "/session/missing", tg.browser(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, orchestrator.CodeSessionNotFound, errorCode(t, rec))
}

func TestKeygenFlow(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)

	rec := tg.do(t, http.MethodGet, "/wallets", tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallets := decode[struct {
		Success bool                   `json:"success"`
		Wallets []*orchestrator.Wallet `json:"wallets"`
		Count   int                    `json:"count"`
	}](t, rec)
	require.Equal(t, 1, wallets.Count)
	assert.Equal(t, walletID, wallets.Wallets[0].ID)
	assert.Equal(t, testDevice, wallets.Wallets[0].DeviceID)

	rec = tg.do(t, http.MethodGet, "/wallets/count", tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"count":1,"hasWallets":true}`, rec.Body.String())

	// Repeating the completion with the same key is accepted.
	rec = tg.do(t, http.MethodPost, "/complete_keygen", tg.phone(t), map[string]any{
		"keygenData": map[string]string{
			"keyId":     testKeyID,
			"publicKey": "04" + strings.Repeat("ab", 64),
			"address":   testAddress,
		},
		"sessionId": tg.latestKeygen(t),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[keygenDoneResponse](t, rec)
	assert.Equal(t, "Keygen completed successfully", done.Message)

	rec = tg.do(t, http.MethodPost, "/keygen_done", tg.phone(t), map[string]string{
		"sessionId": tg.latestKeygen(t),
		"keyId":     "key-9999",
		"publicKey": "04" + strings.Repeat("cd", 64),
		"address":   testAddress,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, orchestrator.CodeKeyMismatch, errorCode(t, rec))
}

// latestKeygen returns the id of the only keygen session in the store.
func (tg *testGateway) latestKeygen(t *testing.T) string {
	t.Helper()
	docs, err := tg.store.Query(t.Context(), store.Query{Collection: store.CollectionKeygenSessions})
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	return docs[0].ID
}

func TestKeygen_StandaloneAndView(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/start_keygen_phone", tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	start := decode[orchestrator.KeygenStart](t, rec)
	assert.Equal(t, "keygen", start.QRData.Action)
	assert.Equal(t, "https://wallet.example.test", start.QRData.ServerURL)

	rec = tg.do(t, http.MethodGet, "/keygen/"+start.SessionID, tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.StatusPending, decode[orchestrator.KeygenView](t, rec).Status)

	rec = tg.do(t, http.MethodGet, "/keygen/"+start.SessionID, tg.token(t, otherUser, auth.RoleBrowser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodPost, "/keygen_done", tg.phone(t), map[string]string{"sessionId": start.SessionID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orchestrator.CodeMissingFields, errorCode(t, rec))
}

func TestNotifications(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/start_keygen", tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tg.do(t, http.MethodGet, "/notifications", tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Notifications []*orchestrator.Notification `json:"notifications"`
	}](t, rec)
	require.Len(t, list.Notifications, 1)

	id := list.Notifications[0].ID
	rec = tg.do(t, http.MethodPost, "/notifications/"+id+"/read", tg.token(t, otherUser, auth.RolePhone), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tg.do(t, http.MethodPost, "/notifications/"+id+"/read", tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tg.do(t, http.MethodGet, "/notifications", tg.phone(t), nil)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())
}

func (tg *testGateway) createTransaction(t *testing.T, walletID string, headers ...string) *orchestrator.Transaction {
	t.Helper()
	rec := tg.do(t, http.MethodPost, "/transactions", tg.browser(t), map[string]string{
		"walletId":    walletID,
		"to":          testRecipient,
		"value":       "1000000000000000000",
		"description": "rent",
	}, headers...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[transactionResponse](t, rec).Transaction
}

func TestTransactionFlow(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)

	tx := tg.createTransaction(t, walletID)
	assert.Equal(t, orchestrator.StatusPending, tx.Status)
	assert.Equal(t, "1000000000000000000", tx.Value)
	assert.Equal(t, orchestrator.DefaultTxGasLimit, tx.GasLimit)

	rec := tg.do(t, http.MethodGet, "/transactions?walletId="+walletID+"&status=PENDING", tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Transactions []*orchestrator.Transaction `json:"transactions"`
	}](t, rec)
	require.Len(t, list.Transactions, 1)

	rec = tg.do(t, http.MethodPost, "/transactions/"+tx.ID+"/approve", tg.phone(t), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orchestrator.CodeMissingFields, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/transactions/"+tx.ID+"/approve", tg.browser(t), map[string]string{"transactionHash": "0xabc"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "browsers cannot approve")

	rec = tg.do(t, http.MethodPost, "/transactions/"+tx.ID+"/approve", tg.phone(t), map[string]string{
		"transactionHash": "0x" + strings.Repeat("1f", 32),
		"signature":       "0xsig",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[transactionResponse](t, rec).Transaction
	assert.Equal(t, orchestrator.StatusApproved, approved.Status)

	rec = tg.do(t, http.MethodPost, "/transactions/"+tx.ID+"/reject", tg.phone(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orchestrator.CodeInvalidStatus, errorCode(t, rec))

	rec = tg.do(t, http.MethodGet, "/transactions/"+tx.ID+"/status", tg.browser(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[struct {
		Transaction orchestrator.TransactionStatus `json:"transaction"`
	}](t, rec)
	assert.Equal(t, orchestrator.StatusApproved, status.Transaction.Status)

	rec = tg.do(t, http.MethodGet, "/transactions/"+tx.ID, tg.token(t, otherUser, auth.RoleBrowser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTransaction_Validation(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)

	rec := tg.do(t, http.MethodPost, "/transactions", tg.browser(t), map[string]string{
		"walletId": walletID, "to": "0x1234", "value": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orchestrator.CodeInvalidAddress, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/transactions", tg.browser(t), map[string]string{
		"walletId": walletID, "to": testRecipient, "value": "1.5",
	})
	assert.Equal(t, orchestrator.CodeInvalidValue, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/transactions", tg.browser(t), map[string]string{
		"walletId": "no-such-wallet", "to": testRecipient, "value": "1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodGet, "/transactions?limit=-1", tg.browser(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTransaction_IdempotencyKey(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)

	first := tg.createTransaction(t, walletID, "Idempotency-Key", "retry-1")
	second := tg.createTransaction(t, walletID, "Idempotency-Key", "retry-1")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, tg.store.Count(store.CollectionTransactions))

	third := tg.createTransaction(t, walletID, "Idempotency-Key", "retry-2")
	assert.NotEqual(t, first.ID, third.ID)

	// A failed create releases its key.
	rec := tg.do(t, http.MethodPost, "/transactions", tg.browser(t), map[string]string{
		"walletId": walletID, "to": "0xbad", "value": "1",
	}, "Idempotency-Key", "retry-3")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fixed := tg.createTransaction(t, walletID, "Idempotency-Key", "retry-3")
	assert.NotEmpty(t, fixed.ID)
}

func TestConcurrentApproveReject(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)
	tx := tg.createTransaction(t, walletID)
	phoneToken := tg.phone(t)

	codes := make([]int, 8)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := "/transactions/" + tx.ID + "/reject"
			var body any
			if i%2 == 0 {
				path = "/transactions/" + tx.ID + "/approve"
				body = map[string]string{"transactionHash": "0xfeed"}
			}
			codes[i] = tg.do(t, http.MethodPost, path, phoneToken, body).Code
		}()
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusBadRequest, c)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestAgentFlow(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)

	rec := tg.do(t, http.MethodGet, "/agent/status", "", nil, AgentTokenHeader, testAgentToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[struct {
		Valid bool `json:"valid"`
	}](t, rec).Valid)

	rec = tg.do(t, http.MethodPost, "/agent/register", tg.browser(t), map[string]string{"agentToken": testAgentToken})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[registerAgentResponse](t, rec)
	assert.True(t, reg.Success)
	assert.Equal(t, walletID, reg.WalletID)
	assert.Equal(t, testAddress, reg.WalletAddress)

	rec = tg.do(t, http.MethodPost, "/agent/register", tg.browser(t), map[string]string{"agentToken": testAgentToken})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, orchestrator.CodeAgentTokenExists, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/agent/status", "", map[string]string{"agentToken": testAgentToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[struct {
		Valid bool `json:"valid"`
	}](t, rec).Valid)

	// Wallet listings never reveal the token.
	rec = tg.do(t, http.MethodGet, "/wallets", tg.browser(t), nil)
	assert.NotContains(t, rec.Body.String(), testAgentToken)

	type signOutcome struct {
		code int
		body string
	}
	done := make(chan signOutcome, 1)
	go func() {
		r := tg.do(t, http.MethodPost, "/agent/sign", "", map[string]string{
			"hash":    "0x" + strings.Repeat("aa", 32),
			"message": "pay invoice 42",
			"amount":  "5",
		}, AgentTokenHeader, testAgentToken)
		done <- signOutcome{code: r.Code, body: r.Body.String()}
	}()

	var requestID string
	require.Eventually(t, func() bool {
		r := tg.do(t, http.MethodGet, "/agent/requests?status=PENDING", tg.phone(t), nil)
		list := decode[struct {
			AgentRequests []*orchestrator.AgentRequest `json:"agentRequests"`
		}](t, r)
		if len(list.AgentRequests) == 0 {
			return false
		}
		requestID = list.AgentRequests[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	rec = tg.do(t, http.MethodPost, "/agent/requests/"+requestID+"/approve", tg.phone(t), map[string]string{"signature": "0xsigned"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case out := <-done:
		require.Equal(t, http.StatusOK, out.code, out.body)
		assert.JSONEq(t, `{"success":true,"status":"SIGNED","signature":"0xsigned","agentRequestId":"`+requestID+`"}`, out.body)
	case <-time.After(time.Second):
		t.Fatal("agent sign did not return after approval")
	}
}

func TestAgentSign_Timeout(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config, _ *deps) {
		cfg.Sessions.AgentWaitTimeout = 150 * time.Millisecond
	})
	tg.pairAndKeygen(t)
	rec := tg.do(t, http.MethodPost, "/agent/register", tg.browser(t), map[string]string{"agentToken": testAgentToken})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = tg.do(t, http.MethodPost, "/agent/sign", "", map[string]string{
		"agentToken": testAgentToken,
		"hash":       "0x01",
	})
	require.Equal(t, http.StatusRequestTimeout, rec.Code, rec.Body.String())
	body := decode[agentSignFailure](t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, orchestrator.CodeTimeout, body.Error)
	assert.Equal(t, orchestrator.StatusExpired, body.Status)
	assert.NotEmpty(t, body.AgentRequestID)
}

func TestAgentSign_UnknownToken(t *testing.T) {
	tg := newTestGateway(t)
	rec := tg.do(t, http.MethodPost, "/agent/sign", "", map[string]string{"hash": "0x01"}, AgentTokenHeader, "no-such-agent-token-xyz")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, orchestrator.CodeAgentNotFound, errorCode(t, rec))
}

func TestDevices(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodPost, "/register-token", tg.phone(t), map[string]any{
		"deviceToken": testPhonePushToken,
		"deviceId":    testDevice,
		"deviceInfo":  map[string]string{"platform": "android"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reg := decode[deviceResponse](t, rec)
	assert.Equal(t, testDevice, reg.DeviceID)
	assert.Equal(t, testUser, reg.UserID)

	rec = tg.do(t, http.MethodPost, "/register-token", tg.phone(t), map[string]any{
		"deviceToken": "short",
		"deviceId":    testDevice,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_device_token", errorCode(t, rec))

	rec = tg.do(t, http.MethodGet, "/devices", tg.phone(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Devices []deviceSummary `json:"devices"`
		Count   int             `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "android", list.Devices[0].DeviceInfo["platform"])

	rec = tg.do(t, http.MethodPost, "/register-browser-token", tg.browser(t), map[string]string{
		"browserDeviceId": "browser-1",
		"browserFCMToken": testPhonePushToken,
		"phoneDeviceId":   testDevice,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = tg.do(t, http.MethodPost, "/register-token", tg.token(t, otherUser, auth.RolePhone), map[string]any{
		"deviceToken": strings.Repeat("m", 150),
		"deviceId":    testDevice,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, orchestrator.CodeUnauthorized, errorCode(t, rec))

	rec = tg.do(t, http.MethodPost, "/register-browser-token", tg.token(t, otherUser, auth.RoleBrowser), map[string]string{
		"browserDeviceId": "browser-evil",
		"browserFCMToken": strings.Repeat("m", 150),
		"phoneDeviceId":   testDevice,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tg.do(t, http.MethodPost, "/unregister-token", tg.token(t, otherUser, auth.RolePhone), map[string]string{"deviceId": testDevice})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tg.do(t, http.MethodPost, "/unregister-token", tg.phone(t), map[string]string{"deviceId": "unknown-device"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodPost, "/unregister-token", tg.phone(t), map[string]string{"deviceId": testDevice})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tg.do(t, http.MethodGet, "/devices", tg.phone(t), nil)
	assert.Equal(t, 0, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)
}

func TestTransactionPushesToRegisteredPhone(t *testing.T) {
	tg := newTestGateway(t)
	walletID := tg.pairAndKeygen(t)
	rec := tg.do(t, http.MethodPost, "/register-token", tg.phone(t), map[string]any{
		"deviceToken": testPhonePushToken,
		"deviceId":    testDevice,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	tx := tg.createTransaction(t, walletID)
	assert.True(t, tx.NotificationSent)

	sent := tg.sender.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, testPhonePushToken, last.Token)
	assert.Equal(t, tx.ID, last.Message.Data["transactionId"])
}
