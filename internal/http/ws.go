package http

import (
	"net/http"
	"time"

	"LNCustody/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WalletStream pushes every settled payment of the wallet behind the key in
// the path, with the balance after it.
func (h *Handler) WalletStream(w http.ResponseWriter, r *http.Request) {
	wallet, _, err := h.Accounts.WalletByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid key or wallet.")
		return
	}
	h.stream(w, r, h.Notifier.SubscribeWallet(wallet.InvoiceKey))
}

// HashStream reports when the invoice with the given payment hash is paid.
func (h *Handler) HashStream(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "paymentHash")
	if len(hash) != 64 {
		writeError(w, http.StatusBadRequest, "invalid payment hash")
		return
	}
	h.stream(w, r, h.Notifier.SubscribeHash(hash))
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sub *notify.Subscription) {
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// the read side only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case msg, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
