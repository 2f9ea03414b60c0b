// ABOUTME: Pairing, keygen and in-app notification handlers
// ABOUTME: Thin adapters from JSON bodies onto the orchestrator service

package gateway

import (
	"net/http"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/auth"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
)

// principalID returns the authenticated caller. Only valid behind route roles.
func principalID(r *http.Request) string {
	return auth.MustFromContext(r.Context()).PrincipalID
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (g *Gateway) handleStartPairing(w http.ResponseWriter, r *http.Request) {
	start, err := g.service.StartPairing(r.Context(), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := g.service.GetSession(r.Context(), r.PathValue("sessionId"), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type claimSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	DeviceID  string `json:"deviceId" validate:"required,min=4,max=200"`
}

func (g *Gateway) handleClaimSession(w http.ResponseWriter, r *http.Request) {
	var req claimSessionRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	err := g.service.ClaimSession(r.Context(), orchestrator.ClaimRequest{
		SessionID: req.SessionID,
		Nonce:     req.Nonce,
		DeviceID:  req.DeviceID,
	}, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type startKeygenRequest struct {
	PairingSessionID string `json:"pairingSessionId"`
}

// handleStartKeygen serves both the browser route and the phone alias.
func (g *Gateway) handleStartKeygen(w http.ResponseWriter, r *http.Request) {
	var req startKeygenRequest
	if err := g.decodeJSON(w, r, &req, true); err != nil {
		g.writeError(w, r, err)
		return
	}
	start, err := g.service.StartKeygen(r.Context(), principalID(r), req.PairingSessionID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (g *Gateway) handleGetKeygen(w http.ResponseWriter, r *http.Request) {
	view, err := g.service.GetKeygenSession(r.Context(), r.PathValue("sessionId"), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type keygenDoneRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	KeyID     string `json:"keyId" validate:"required"`
	PublicKey string `json:"publicKey" validate:"required"`
	Address   string `json:"address" validate:"required"`
	DeviceID  string `json:"deviceId"`
}

type keygenDoneResponse struct {
	OK      bool                 `json:"ok"`
	Message string               `json:"message"`
	Wallet  *orchestrator.Wallet `json:"wallet"`
}

func (g *Gateway) handleKeygenDone(w http.ResponseWriter, r *http.Request) {
	var req keygenDoneRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.finishKeygen(w, r, orchestrator.KeygenResult{
		SessionID: req.SessionID,
		KeyID:     req.KeyID,
		PublicKey: req.PublicKey,
		Address:   req.Address,
		DeviceID:  req.DeviceID,
	})
}

type completeKeygenRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	DeviceID   string `json:"deviceId"`
	KeygenData struct {
		KeyID     string `json:"keyId" validate:"required"`
		PublicKey string `json:"publicKey" validate:"required"`
		Address   string `json:"address" validate:"required"`
	} `json:"keygenData"`
}

// handleCompleteKeygen accepts the older nested body shape.
func (g *Gateway) handleCompleteKeygen(w http.ResponseWriter, r *http.Request) {
	var req completeKeygenRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.finishKeygen(w, r, orchestrator.KeygenResult{
		SessionID: req.SessionID,
		KeyID:     req.KeygenData.KeyID,
		PublicKey: req.KeygenData.PublicKey,
		Address:   req.KeygenData.Address,
		DeviceID:  req.DeviceID,
	})
}

func (g *Gateway) finishKeygen(w http.ResponseWriter, r *http.Request, res orchestrator.KeygenResult) {
	wallet, err := g.service.KeygenDone(r.Context(), res, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keygenDoneResponse{
		OK:      true,
		Message: "Keygen completed successfully",
		Wallet:  publicWallet(wallet),
	})
}

func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	notes, err := g.service.ListNotifications(r.Context(), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []*orchestrator.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (g *Gateway) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := g.service.MarkNotificationRead(r.Context(), r.PathValue("id"), principalID(r)); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
