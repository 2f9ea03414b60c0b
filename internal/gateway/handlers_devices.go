// ABOUTME: Device push token and wallet listing handlers
// ABOUTME: Wallet responses never carry the agent token

package gateway

import (
	"net/http"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
)

type registerPhoneRequest struct {
	DeviceToken string         `json:"deviceToken" validate:"required"`
	DeviceID    string         `json:"deviceId" validate:"required"`
	DeviceInfo  map[string]any `json:"deviceInfo"`
}

type deviceResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
}

func (g *Gateway) handleRegisterPhone(w http.ResponseWriter, r *http.Request) {
	var req registerPhoneRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	dev, err := g.registry.RegisterPhone(r.Context(), principalID(r), req.DeviceID, req.DeviceToken, req.DeviceInfo)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		Success:  true,
		Message:  "Device token registered successfully",
		DeviceID: dev.DeviceID,
		UserID:   dev.UserID,
	})
}

type unregisterPhoneRequest struct {
	DeviceID string `json:"deviceId" validate:"required"`
}

func (g *Gateway) handleUnregisterPhone(w http.ResponseWriter, r *http.Request) {
	var req unregisterPhoneRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	if err := g.registry.UnregisterPhone(r.Context(), principalID(r), req.DeviceID); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		Success:  true,
		Message:  "Device token unregistered successfully",
		DeviceID: req.DeviceID,
	})
}

type deviceSummary struct {
	DeviceID   string         `json:"deviceId"`
	DeviceInfo map[string]any `json:"deviceInfo"`
	LastSeen   string         `json:"lastSeen"`
	CreatedAt  string         `json:"createdAt"`
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := g.registry.ListPhones(r.Context(), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]deviceSummary, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceSummary{
			DeviceID:   d.DeviceID,
			DeviceInfo: d.DeviceInfo,
			LastSeen:   d.LastSeen,
			CreatedAt:  d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": out, "count": len(out)})
}

type registerBrowserRequest struct {
	BrowserDeviceID string `json:"browserDeviceId" validate:"required"`
	BrowserFCMToken string `json:"browserFCMToken" validate:"required"`
	PhoneDeviceID   string `json:"phoneDeviceId" validate:"required"`
}

func (g *Gateway) handleRegisterBrowser(w http.ResponseWriter, r *http.Request) {
	var req registerBrowserRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	dev, err := g.registry.RegisterBrowser(r.Context(), principalID(r), req.BrowserDeviceID, req.BrowserFCMToken, req.PhoneDeviceID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		Success:  true,
		Message:  "Browser token registered successfully",
		DeviceID: dev.BrowserDeviceID,
		UserID:   dev.UserID,
	})
}

// publicWallet copies w without its agent token.
func publicWallet(w *orchestrator.Wallet) *orchestrator.Wallet {
	if w == nil {
		return nil
	}
	cp := *w
	cp.AgentToken = ""
	return &cp
}

func (g *Gateway) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := g.service.ListWallets(r.Context(), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := make([]*orchestrator.Wallet, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, publicWallet(wl))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "wallets": out, "count": len(out)})
}

func (g *Gateway) handleCountWallets(w http.ResponseWriter, r *http.Request) {
	n, err := g.service.CountWallets(r.Context(), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n, "hasWallets": n > 0})
}
