package http

import (
	"context"
	"errors"
	"net/http"

	"LNCustody/internal/models"
	"LNCustody/internal/services"
)

type ctxKey int

const (
	walletKey ctxKey = iota
	keyTypeKey
)

// requireKey resolves X-Api-Key to a wallet. With admin set only the admin
// key is accepted.
func (h *Handler) requireKey(admin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Api-Key")
			if key == "" {
				key = r.URL.Query().Get("api-key")
			}
			wallet, kind, err := h.Accounts.WalletByKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, services.ErrInvalidKey) {
					writeError(w, http.StatusUnauthorized, "Invalid key or wallet.")
					return
				}
				writeError(w, http.StatusInternalServerError, "key lookup failed")
				return
			}
			if admin && kind != services.KeyAdmin {
				writeError(w, http.StatusUnauthorized, "Invalid adminkey.")
				return
			}
			ctx := context.WithValue(r.Context(), walletKey, wallet)
			ctx = context.WithValue(ctx, keyTypeKey, kind)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func walletFrom(ctx context.Context) *models.Wallet {
	w, _ := ctx.Value(walletKey).(*models.Wallet)
	return w
}

func keyTypeFrom(ctx context.Context) services.KeyType {
	k, _ := ctx.Value(keyTypeKey).(services.KeyType)
	return k
}
