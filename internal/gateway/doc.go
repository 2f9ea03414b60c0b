// Package gateway serves the orchestrator over HTTP.
//
// # Overview
//
// The Gateway owns every runtime component: the session store, the optional
// Redis client, the transition watcher, the push dispatcher, the device
// registry and the HTTP server. New builds them from configuration; Run
// serves until its context is cancelled and then shuts everything down.
//
// # Principals
//
// Browser and phone callers carry a session token whose audience names
// their role, either as a Bearer header or, for browsers, the browserJWT
// cookie. Each route lists the roles it accepts. Agent routes are public and
// authenticate with the X-Agent-Token header instead.
//
// # Endpoints
//
//   - POST /auth/browser, /auth/phone, /auth/refresh, /auth/logout
//   - POST /start_pairing, /claim_session; GET /session/{sessionId}
//   - POST /start_keygen, /start_keygen_phone, /keygen_done, /complete_keygen
//   - GET /keygen/{sessionId}, /notifications; POST /notifications/{id}/read
//   - GET /wallets, /wallets/count
//   - POST /transactions, /transactions/{id}/approve, /transactions/{id}/reject
//   - GET /transactions, /transactions/{id}, /transactions/{id}/status
//   - GET /transactions/{id}/stream (websocket)
//   - POST /agent/register, /agent/sign; GET|POST /agent/status
//   - GET /agent/requests; POST /agent/requests/{id}/approve, /agent/requests/{id}/reject
//   - POST /register-token, /unregister-token, /register-browser-token; GET /devices
//   - GET /health, /health/ready, and the metrics path when enabled
//
// Errors are JSON bodies of the form {"error": code, "message": text}.
//
// # Agent wait
//
// POST /agent/sign holds the connection until the phone decides or the wait
// budget runs out, so the server sets no write timeout.
//
// # Transaction stream
//
// The stream sends {"type":"status","transaction":{...}} whenever the status
// changes and closes normally once it leaves PENDING.
package gateway
