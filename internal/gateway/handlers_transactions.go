// ABOUTME: Transaction approval handlers: browser proposes, phone approves or rejects
// ABOUTME: Creation honours Idempotency-Key so client retries do not double-propose

package gateway

import (
	"net/http"
	"strconv"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/dedupe"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
)

const maxIdempotencyKeyLength = 255

type createTransactionRequest struct {
	WalletID    string `json:"walletId" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required"`
	Data        string `json:"data"`
	GasLimit    string `json:"gasLimit"`
	GasPrice    string `json:"gasPrice"`
	Description string `json:"description" validate:"max=500"`
}

type transactionResponse struct {
	Success     bool                      `json:"success"`
	Transaction *orchestrator.Transaction `json:"transaction"`
}

func (g *Gateway) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	caller := principalID(r)

	key := r.Header.Get("Idempotency-Key")
	if len(key) > maxIdempotencyKeyLength {
		g.writeError(w, r, badRequest("invalid_request", "Idempotency-Key is too long"))
		return
	}
	if key != "" {
		key = caller + ":" + key
		state, txID := g.idempotency.Reserve(key)
		switch state {
		case dedupe.Pending:
			writeJSON(w, http.StatusConflict, errorBody{Error: "request_in_progress", Message: "A request with this Idempotency-Key is still running"})
			return
		case dedupe.Done:
			tx, err := g.service.GetTransaction(r.Context(), txID, caller)
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusCreated, transactionResponse{Success: true, Transaction: tx})
			return
		}
	}

	tx, err := g.service.CreateTransaction(r.Context(), caller, orchestrator.CreateTransactionRequest{
		WalletID:    req.WalletID,
		To:          req.To,
		Value:       req.Value,
		Data:        req.Data,
		GasLimit:    req.GasLimit,
		GasPrice:    req.GasPrice,
		Description: req.Description,
	})
	if err != nil {
		if key != "" {
			g.idempotency.Release(key)
		}
		g.writeError(w, r, err)
		return
	}
	if key != "" {
		g.idempotency.Complete(key, tx.ID)
	}
	writeJSON(w, http.StatusCreated, transactionResponse{Success: true, Transaction: tx})
}

func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	txs, err := g.service.ListTransactions(r.Context(), principalID(r), orchestrator.TransactionFilter{
		WalletID: q.Get("walletId"),
		Status:   q.Get("status"),
		Limit:    limit,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*orchestrator.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txs})
}

func (g *Gateway) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := g.service.GetTransaction(r.Context(), r.PathValue("id"), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Success: true, Transaction: tx})
}

func (g *Gateway) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := g.service.GetTransactionStatus(r.Context(), r.PathValue("id"), principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": st})
}

type approveTransactionRequest struct {
	TransactionHash string `json:"transactionHash" validate:"required"`
	Signature       string `json:"signature"`
}

func (g *Gateway) handleApproveTransaction(w http.ResponseWriter, r *http.Request) {
	var req approveTransactionRequest
	if err := g.decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, r, err)
		return
	}
	tx, err := g.service.ApproveTransaction(r.Context(), r.PathValue("id"), req.TransactionHash, req.Signature, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Success: true, Transaction: tx})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (g *Gateway) handleRejectTransaction(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := g.decodeJSON(w, r, &req, true); err != nil {
		g.writeError(w, r, err)
		return
	}
	tx, err := g.service.RejectTransaction(r.Context(), r.PathValue("id"), req.Reason, principalID(r))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Success: true, Transaction: tx})
}

// queryLimit parses an optional positive limit parameter.
func queryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid_request", "limit must be a non-negative integer")
	}
	return n, nil
}
