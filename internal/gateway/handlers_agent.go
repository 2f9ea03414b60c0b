// ABOUTME: Agent approval handlers for token-bearing machine callers and the phone that decides
// ABOUTME: /agent/sign holds the request open until the phone answers or the wait budget ends

package gateway

import (
	"net/http"
	"strings"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
)

// AgentTokenHeader carries the agent token on agent routes.
const AgentTokenHeader = "X-Agent-Token"

type registerAgentRequest struct {
	AgentToken string `json:"agentToken" validate:"required"`
	WalletID   string `json:"walletId"`
}

type registerAgentResponse struct {
	Success bool `json:"success"`
	*orchestrator.AgentRegistration
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	reg, err := g.service.RegisterAgent(r.Context(), req.AgentToken, principalID(r), req.WalletID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerAgentResponse{Success: true, AgentRegistration: reg})
}

type agentStatusRequest struct {
	AgentToken string `json:"agentToken"`
}

// handleAgentStatus reads the token from the header, or from the body on POST.
func (g *Gateway) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(AgentTokenHeader))
	if token == "" && r.Method == http.MethodPost {
		var req agentStatusRequest
		if err := g.decodeJSON(w, r, &req, true); err != nil {
			g.writeError(w, r, err)
			return
		}
		token = req.AgentToken
	}
	st, err := g.service.GetAgentStatus(r.Context(), token)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agent": st, "valid": st.Valid})
}

type agentSignRequest struct {
	AgentToken string `json:"agentToken"`
	Hash       string `json:"hash" validate:"max=1024"`
	Message    string `json:"message" validate:"max=4096"`
	Payload    string `json:"payload" validate:"max=65536"`
	Amount     string `json:"amount" validate:"max=100"`
	Product    string `json:"product" validate:"max=200"`
	ChainID    string `json:"chainId" validate:"max=32"`
}

type agentSignFailure struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	Status         string `json:"status,omitempty"`
	AgentRequestID string `json:"agentRequestId,omitempty"`
}

func (g *Gateway) handleAgentSign(w http.ResponseWriter, r *http.Request) {
	var req agentSignRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	if token := strings.TrimSpace(r.Header.Get(AgentTokenHeader)); token != "" {
		req.AgentToken = token
	}
	res, err := g.service.AgentSignRequest(r.Context(), orchestrator.SignRequest{
		AgentToken: req.AgentToken,
		Hash:       req.Hash,
		Message:    req.Message,
		Payload:    req.Payload,
		Amount:     req.Amount,
		Product:    req.Product,
		ChainID:    req.ChainID,
	})
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res == nil {
		g.writeError(w, r, err)
		return
	}

	// The request exists; the agent gets its id to follow up with.
	status, body := g.errorResponse(r, err)
	if status == 0 {
		return
	}
	writeJSON(w, status, agentSignFailure{
		Success:        false,
		Error:          body.Error,
		Message:        body.Message,
		Status:         res.Status,
		AgentRequestID: res.AgentRequestID,
	})
}

func (g *Gateway) handleListAgentRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	reqs, err := g.service.ListAgentRequests(r.Context(), principalID(r), q.Get("status"), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "agentRequests": reqs})
}

type approveAgentRequest struct {
	Signature string `json:"signature" validate:"required"`
}

type agentRequestResponse struct {
	Success      bool                       `json:"success"`
	AgentRequest *orchestrator.AgentRequest `json:"agentRequest"`
}

func (g *Gateway) handleApproveAgentRequest(w http.ResponseWriter, r *http.Request) {
	var req approveAgentRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	ar, err := g.service.ApproveAgentRequest(r.Context(), r.PathValue("id"), req.Signature, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentRequestResponse{Success: true, AgentRequest: ar})
}

func (g *Gateway) handleRejectAgentRequest(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := g.decodeJSON(w, r, &req, true); err != nil {
		g.writeError(w, r, err)
		return
	}
	ar, err := g.service.RejectAgentRequest(r.Context(), r.PathValue("id"), req.Reason, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentRequestResponse{Success: true, AgentRequest: ar})
}
