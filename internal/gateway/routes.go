// ABOUTME: HTTP route table for browser, phone and agent endpoints
// ABOUTME: Each route declares the principal roles it accepts

package gateway

import (
	"net/http"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
)

const (
	browser = auth.RoleBrowser
	phone   = auth.RolePhone
)

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, g.metrics.Handler())
	}

	// Sign-in exchanges an identity token for a session token.
	mux.Handle("POST /auth/browser", g.route(g.handleBrowserLogin))
	mux.Handle("POST /auth/phone", g.route(g.handlePhoneLogin))
	mux.Handle("POST /auth/refresh", g.route(g.handleRefresh, browser, phone))
	mux.Handle("POST /auth/logout", g.route(g.handleLogout))

	// Pairing
	mux.Handle("POST /start_pairing", g.route(g.handleStartPairing, browser))
	mux.Handle("GET /session/{sessionId}", g.route(g.handleGetSession, browser, phone))
	mux.Handle("POST /claim_session", g.route(g.handleClaimSession, phone))

	// Keygen
	mux.Handle("POST /start_keygen", g.route(g.handleStartKeygen, browser))
	mux.Handle("POST /start_keygen_phone", g.route(g.handleStartKeygen, phone))
	mux.Handle("GET /keygen/{sessionId}", g.route(g.handleGetKeygen, browser, phone))
	mux.Handle("POST /keygen_done", g.route(g.handleKeygenDone, phone))
	mux.Handle("POST /complete_keygen", g.route(g.handleCompleteKeygen, phone))
	mux.Handle("GET /notifications", g.route(g.handleListNotifications, phone))
	mux.Handle("POST /notifications/{id}/read", g.route(g.handleMarkNotificationRead, phone))

	// Wallets
	mux.Handle("GET /wallets", g.route(g.handleListWallets, browser, phone))
	mux.Handle("GET /wallets/count", g.route(g.handleCountWallets, browser, phone))

	// Transactions
	mux.Handle("POST /transactions", g.route(g.handleCreateTransaction, browser))
	mux.Handle("GET /transactions", g.route(g.handleListTransactions, browser, phone))
	mux.Handle("GET /transactions/{id}", g.route(g.handleGetTransaction, browser, phone))
	mux.Handle("GET /transactions/{id}/status", g.route(g.handleTransactionStatus, browser, phone))
	mux.Handle("GET /transactions/{id}/stream", g.route(g.handleTransactionStream, browser))
	mux.Handle("POST /transactions/{id}/approve", g.route(g.handleApproveTransaction, phone))
	mux.Handle("POST /transactions/{id}/reject", g.route(g.handleRejectTransaction, phone))

	// Agents authenticate with their agent token, not a session token.
	mux.Handle("POST /agent/register", g.route(g.handleRegisterAgent, browser))
	mux.Handle("GET /agent/status", g.route(g.handleAgentStatus))
	mux.Handle("POST /agent/status", g.route(g.handleAgentStatus))
	mux.Handle("POST /agent/sign", g.route(g.handleAgentSign))
	mux.Handle("GET /agent/requests", g.route(g.handleListAgentRequests, phone))
	mux.Handle("POST /agent/requests/{id}/approve", g.route(g.handleApproveAgentRequest, phone))
	mux.Handle("POST /agent/requests/{id}/reject", g.route(g.handleRejectAgentRequest, phone))

	// Devices
	mux.Handle("POST /register-token", g.route(g.handleRegisterPhone, phone))
	mux.Handle("POST /unregister-token", g.route(g.handleUnregisterPhone, phone))
	mux.Handle("GET /devices", g.route(g.handleListDevices, phone))
	mux.Handle("POST /register-browser-token", g.route(g.handleRegisterBrowser, browser, phone))
}
