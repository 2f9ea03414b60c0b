// ABOUTME: Websocket stream pushing a transaction's status to the browser as it changes
// ABOUTME: Wakes on transition events and polls as a fallback; closes once the status is final

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/store"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/watch"
)

const streamWriteTimeout = 5 * time.Second

type streamMessage struct {
	Type        string                          `json:"type"`
	Transaction *orchestrator.TransactionStatus `json:"transaction"`
}

func (g *Gateway) handleTransactionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	caller := principalID(r)

	// Ownership and existence are checked before the upgrade so failures
	// still get a JSON error.
	if _, err := g.service.GetTransaction(r.Context(), id, caller); err != nil {
		g.writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.logger.Info("transaction stream upgrade failed", "transaction_id", id, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	key := watch.Key(store.CollectionTransactions, id)
	events, subID := g.service.Watcher().Subscribe(ctx, key)
	defer g.service.Watcher().Unsubscribe(key, subID)

	ticker := time.NewTicker(g.streamPoll)
	defer ticker.Stop()

	var last string
	for {
		st, err := g.service.GetTransactionStatus(ctx, id, caller)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("transaction stream read failed", "transaction_id", id, "error", err)
				_ = conn.Close(websocket.StatusInternalError, "status unavailable")
			}
			return
		}

		if st.Status != last {
			last = st.Status
			if err := writeStream(ctx, conn, streamMessage{Type: "status", Transaction: st}); err != nil {
				if !errors.Is(err, context.Canceled) {
					g.logger.Info("transaction stream write failed", "transaction_id", id, "close_status", websocket.CloseStatus(err), "error", err)
				}
				return
			}
		}
		if st.Status != orchestrator.StatusPending {
			_ = conn.Close(websocket.StatusNormalClosure, "final status")
			return
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

func writeStream(parent context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(parent, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
