package http

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"LNCustody/internal/fiat"
	"LNCustody/internal/funding"
	"LNCustody/internal/models"
	"LNCustody/internal/notify"
	"LNCustody/internal/payments"
	"LNCustody/internal/services"
	"LNCustody/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	Accounts services.AccountService
	Payments *payments.Service
	// Fiat is nil when no card processor is configured.
	Fiat     *fiat.Gateway
	Notifier *notify.Notifier
	Funding  *funding.Holder
	Log      *zap.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if h.Funding != nil {
		resp["funding_source"] = h.Funding.Get().Name()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createAccountRequest struct {
	Username   string `json:"username" validate:"omitempty,min=3,max=64"`
	Password   string `json:"password" validate:"required_with=Username,omitempty,min=8"`
	WalletName string `json:"wallet_name" validate:"max=128"`
}

type walletResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Balance    int64  `json:"balance"`
	Currency   string `json:"currency,omitempty"`
	AdminKey   string `json:"adminkey,omitempty"`
	InvoiceKey string `json:"inkey"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, wallet, err := h.Accounts.CreateUser(r.Context(), req.Username, req.Password, req.WalletName)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			writeError(w, http.StatusConflict, "Username already exists.")
		case errors.Is(err, services.ErrInvalidUsername), errors.Is(err, services.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.internalError(w, "create account", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": account.ID,
		"wallet": walletResponse{
			ID:         wallet.ID,
			Name:       wallet.Name,
			AdminKey:   wallet.AdminKey,
			InvoiceKey: wallet.InvoiceKey,
		},
	})
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet := walletFrom(r.Context())
	summary, err := h.Accounts.Summary(r.Context(), wallet.ID)
	if err != nil {
		h.internalError(w, "wallet summary", err)
		return
	}
	resp := walletResponse{
		ID:         wallet.ID,
		Name:       wallet.Name,
		Balance:    summary.BalanceMsat,
		Currency:   wallet.Currency,
		InvoiceKey: wallet.InvoiceKey,
	}
	if keyTypeFrom(r.Context()) == services.KeyAdmin {
		resp.AdminKey = wallet.AdminKey
	}
	writeJSON(w, http.StatusOK, resp)
}

type createWalletRequest struct {
	Name     string `json:"name" validate:"required,max=128"`
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := walletFrom(r.Context())
	wallet, err := h.Accounts.CreateWallet(r.Context(), owner.AccountID, req.Name, req.Currency)
	if err != nil {
		h.internalError(w, "create wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, walletResponse{
		ID:         wallet.ID,
		Name:       wallet.Name,
		Currency:   wallet.Currency,
		AdminKey:   wallet.AdminKey,
		InvoiceKey: wallet.InvoiceKey,
	})
}

type createPaymentRequest struct {
	Out bool `json:"out"`

	// incoming
	Amount              float64        `json:"amount" validate:"gte=0"`
	Unit                string         `json:"unit" validate:"omitempty,max=8"`
	Memo                string         `json:"memo" validate:"max=640"`
	DescriptionHash     string         `json:"description_hash" validate:"omitempty,hexadecimal,len=64"`
	UnhashedDescription string         `json:"unhashed_description" validate:"omitempty,hexadecimal"`
	Expiry              int64          `json:"expiry" validate:"gte=0"`
	Internal            bool           `json:"internal"`
	Webhook             string         `json:"webhook" validate:"omitempty,url"`
	Extra               map[string]any `json:"extra"`

	// outgoing
	Bolt11 string `json:"bolt11" validate:"required_if=Out true"`
	MaxSat int64  `json:"max_sat" validate:"gte=0"`
	Tag    string `json:"tag" validate:"max=64"`
}

type createInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	CheckingID     string `json:"checking_id"`
}

type payInvoiceResponse struct {
	PaymentHash string               `json:"payment_hash"`
	CheckingID  string               `json:"checking_id"`
	Status      models.PaymentStatus `json:"status"`
	Preimage    *string              `json:"preimage,omitempty"`
}

// CreatePayment creates an invoice, or pays one when out is set (admin key
// only).
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet := walletFrom(r.Context())

	if req.Out {
		if keyTypeFrom(r.Context()) != services.KeyAdmin {
			writeError(w, http.StatusUnauthorized, "Invalid adminkey.")
			return
		}
		p, err := h.Payments.PayInvoice(r.Context(), payments.PayInvoiceRequest{
			WalletID:       wallet.ID,
			PaymentRequest: req.Bolt11,
			MaxSat:         req.MaxSat,
			Description:    req.Memo,
			Tag:            req.Tag,
			Webhook:        req.Webhook,
			Extra:          req.Extra,
		})
		if err != nil {
			h.engineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payInvoiceResponse{
			PaymentHash: p.PaymentHash,
			CheckingID:  p.CheckingID,
			Status:      p.Status,
			Preimage:    p.Preimage,
		})
		return
	}

	descHash, _ := hex.DecodeString(req.DescriptionHash)
	unhashed, _ := hex.DecodeString(req.UnhashedDescription)
	p, err := h.Payments.CreateInvoice(r.Context(), payments.CreateInvoiceRequest{
		WalletID:            wallet.ID,
		Amount:              req.Amount,
		Unit:                req.Unit,
		Memo:                req.Memo,
		DescriptionHash:     descHash,
		UnhashedDescription: unhashed,
		Expiry:              time.Duration(req.Expiry) * time.Second,
		Webhook:             req.Webhook,
		Extra:               req.Extra,
		Internal:            req.Internal,
	})
	if err != nil {
		h.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createInvoiceResponse{
		PaymentHash:    p.PaymentHash,
		PaymentRequest: p.Bolt11,
		CheckingID:     p.CheckingID,
	})
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PaymentFilter{
		WalletID: walletFrom(r.Context()).ID,
		Status:   models.PaymentStatus(q.Get("status")),
		Limit:    queryInt(q.Get("limit"), 50),
		Offset:   queryInt(q.Get("offset"), 0),
	}
	switch q.Get("direction") {
	case "in":
		in := true
		filter.Incoming = &in
	case "out":
		in := false
		filter.Incoming = &in
	}
	rows, err := h.Payments.ListPayments(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list payments", err)
		return
	}
	out := make([]models.PublicPayment, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

type paymentStatusResponse struct {
	Paid     bool                 `json:"paid"`
	Status   models.PaymentStatus `json:"status"`
	Preimage *string              `json:"preimage,omitempty"`
	Details  models.PublicPayment `json:"details"`
}

// GetPayment re-checks a pending row with its backend before answering.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "checkingId")
	wallet := walletFrom(r.Context())

	p, err := h.Payments.CheckPayment(r.Context(), wallet.ID, id)
	if err == nil && p.Kind == models.KindFiat && p.Status == models.PaymentPending && h.Fiat != nil {
		p, err = h.Fiat.Check(r.Context(), p)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Payment does not exist.")
			return
		}
		h.internalError(w, "check payment", err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Paid:     p.Status == models.PaymentSuccess,
		Status:   p.Status,
		Preimage: p.Preimage,
		Details:  p.Public(),
	})
}

type createFiatInvoiceRequest struct {
	Provider string         `json:"provider"`
	Amount   float64        `json:"amount" validate:"gt=0"`
	Currency string         `json:"currency" validate:"required,len=3,alpha"`
	Memo     string         `json:"memo" validate:"max=640"`
	Webhook  string         `json:"webhook" validate:"omitempty,url"`
	Extra    map[string]any `json:"extra"`
}

type fiatInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	CheckingID     string `json:"checking_id"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
}

func (h *Handler) CreateFiatInvoice(w http.ResponseWriter, r *http.Request) {
	if h.Fiat == nil || !h.Fiat.Enabled() {
		writeError(w, http.StatusNotFound, "Fiat payments are not enabled.")
		return
	}
	var req createFiatInvoiceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" {
		req.Provider = fiat.StripeName
	}
	inv, err := h.Fiat.CreateInvoice(r.Context(), fiat.CreateInvoiceRequest{
		WalletID: walletFrom(r.Context()).ID,
		Provider: req.Provider,
		Amount:   req.Amount,
		Currency: req.Currency,
		Memo:     req.Memo,
		Webhook:  req.Webhook,
		Extra:    req.Extra,
	})
	if err != nil {
		h.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fiatInvoiceResponse{
		PaymentHash:    inv.Payment.PaymentHash,
		CheckingID:     inv.Payment.CheckingID,
		PaymentRequest: inv.CheckoutURL,
		Amount:         inv.Payment.AmountMsat,
	})
}

// FiatWebhook is the card processor's callback. The raw body is needed for
// signature verification.
func (h *Handler) FiatWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Fiat == nil {
		writeError(w, http.StatusNotFound, "Fiat payments are not enabled.")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if err := h.Fiat.HandleWebhook(r.Context(), chi.URLParam(r, "provider"), payload, signature); err != nil {
		switch {
		case errors.Is(err, fiat.ErrInvalidSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, fiat.ErrUnknownProvider), errors.Is(err, fiat.ErrNotConfigured):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			h.internalError(w, "fiat webhook", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// engineError maps engine failures to responses. Typed errors carry a
// message meant for the caller.
func (h *Handler) engineError(w http.ResponseWriter, err error) {
	var invErr *payments.InvoiceError
	var payErr *payments.PaymentError
	switch {
	case errors.As(err, &invErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: invErr.Message, Status: string(invErr.Status)})
	case errors.As(err, &payErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: payErr.Message, Status: string(payErr.Status)})
	case errors.Is(err, fiat.ErrUnknownProvider), errors.Is(err, fiat.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Wallet not found.")
	default:
		h.internalError(w, "payment engine", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.Log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return fallback
	}
	return i
}
