package funding

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type LNbitsConfig struct {
	Endpoints         []string
	AdminKey          string
	InvoiceKey        string
	FailoverThreshold int
}

// LNbits drives a remote LNbits-compatible wallet over its REST API and
// listens for paid invoices on its websocket.
type LNbits struct {
	cfg    LNbitsConfig
	nodes  *failover
	log    *zap.Logger
	dialer websocket.Dialer

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewLNbits(cfg LNbitsConfig, log *zap.Logger) (*LNbits, error) {
	endpoints := sanitizeEndpoints(cfg.Endpoints)
	if len(endpoints) == 0 {
		return nil, errors.New("lnbits: no endpoints configured")
	}
	if cfg.AdminKey == "" && cfg.InvoiceKey == "" {
		return nil, errors.New("lnbits: admin_key or invoice_key is required")
	}
	if cfg.InvoiceKey == "" {
		cfg.InvoiceKey = cfg.AdminKey
	}
	clients := make([]*restClient, 0, len(endpoints))
	for _, ep := range endpoints {
		clients = append(clients, newRESTClient(ep, nil, nil))
	}
	nodes, err := newFailover(clients, cfg.FailoverThreshold)
	if err != nil {
		return nil, err
	}
	return &LNbits{
		cfg:    cfg,
		nodes:  nodes,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: statusTimeout},
		conns:  map[*websocket.Conn]struct{}{},
	}, nil
}

func (l *LNbits) Name() string { return ClassLNbits }

func (l *LNbits) invoiceKey() map[string]string {
	return map[string]string{"X-Api-Key": l.cfg.InvoiceKey}
}

func (l *LNbits) adminKey() map[string]string {
	return map[string]string{"X-Api-Key": l.cfg.AdminKey}
}

func (l *LNbits) Status(ctx context.Context) (StatusResponse, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := l.nodes.call(func(c *restClient) error {
		return c.do(ctx, c.client, http.MethodGet, "/api/v1/wallet", l.invoiceKey(), nil, &out)
	})
	if err != nil {
		return StatusResponse{ErrorMessage: err.Error()}, err
	}
	return StatusResponse{BalanceMsat: out.Balance}, nil
}

type lnbitsCreateRequest struct {
	Out                 bool   `json:"out"`
	Amount              int64  `json:"amount"`
	Memo                string `json:"memo,omitempty"`
	DescriptionHash     string `json:"description_hash,omitempty"`
	UnhashedDescription string `json:"unhashed_description,omitempty"`
	Expiry              int64  `json:"expiry,omitempty"`
	Preimage            string `json:"preimage,omitempty"`
}

type lnbitsCreateResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	CheckingID     string `json:"checking_id"`
}

func (l *LNbits) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error) {
	body := lnbitsCreateRequest{
		Amount: req.AmountMsat / 1000,
		Memo:   req.Memo,
	}
	if len(req.DescriptionHash) > 0 {
		body.DescriptionHash = hex.EncodeToString(req.DescriptionHash)
	}
	if len(req.UnhashedDescription) > 0 {
		body.UnhashedDescription = hex.EncodeToString(req.UnhashedDescription)
	}
	if req.Expiry > 0 {
		body.Expiry = int64(req.Expiry / time.Second)
	}
	if len(req.Preimage) > 0 {
		body.Preimage = hex.EncodeToString(req.Preimage)
	}

	var out lnbitsCreateResponse
	err := l.nodes.call(func(c *restClient) error {
		ctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		return c.do(ctx, c.client, http.MethodPost, "/api/v1/payments", l.invoiceKey(), body, &out)
	})
	if err != nil {
		return InvoiceResponse{}, err
	}
	pr := out.PaymentRequest
	if pr == "" {
		pr = out.Bolt11
	}
	checkingID := out.CheckingID
	if checkingID == "" {
		checkingID = out.PaymentHash
	}
	if pr == "" || checkingID == "" {
		return InvoiceResponse{}, errors.New("lnbits: incomplete invoice response")
	}
	resp := InvoiceResponse{
		CheckingID:     checkingID,
		PaymentRequest: pr,
		PaymentHash:    out.PaymentHash,
	}
	if len(req.Preimage) > 0 {
		resp.Preimage = hex.EncodeToString(req.Preimage)
	}
	return resp, nil
}

func (l *LNbits) PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) PaymentResponse {
	var out lnbitsCreateResponse
	client, _ := l.nodes.current()
	err := client.do(ctx, client.payClient, http.MethodPost, "/api/v1/payments", l.adminKey(),
		map[string]any{"out": true, "bolt11": bolt11}, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return PaymentFailed(httpErr.Message)
		}
		// the node may still be routing; leave the decision to the reconciler
		l.log.Warn("pay invoice: unclear outcome", zap.Error(err))
		return PaymentResponse{ErrorMessage: err.Error()}
	}

	checkingID := out.CheckingID
	if checkingID == "" {
		checkingID = out.PaymentHash
	}
	if checkingID == "" {
		return PaymentResponse{ErrorMessage: "lnbits: payment accepted without checking id"}
	}

	status, err := l.GetPaymentStatus(ctx, checkingID)
	if err != nil || status.Pending() {
		return PaymentPending(checkingID)
	}
	if status.Failed() {
		resp := PaymentFailed("payment failed")
		resp.CheckingID = checkingID
		return resp
	}
	return PaymentSucceeded(checkingID, status.FeeMsat, status.Preimage)
}

type lnbitsPaymentStatus struct {
	Paid     bool   `json:"paid"`
	Status   string `json:"status"`
	Preimage string `json:"preimage"`
	Details  struct {
		Fee    int64  `json:"fee"`
		Status string `json:"status"`
	} `json:"details"`
}

func (l *LNbits) paymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	var out lnbitsPaymentStatus
	err := l.nodes.call(func(c *restClient) error {
		return c.do(ctx, c.client, http.MethodGet, "/api/v1/payments/"+url.PathEscape(checkingID), l.invoiceKey(), nil, &out)
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return StatusPending(), nil
		}
		return StatusPending(), err
	}
	status := strings.ToLower(out.Status)
	if status == "" {
		status = strings.ToLower(out.Details.Status)
	}
	switch {
	case out.Paid || status == "success":
		return StatusPaid(abs(out.Details.Fee), out.Preimage), nil
	case status == "failed":
		return StatusFailed(), nil
	default:
		return StatusPending(), nil
	}
}

func (l *LNbits) GetInvoiceStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	return l.paymentStatus(ctx, checkingID)
}

func (l *LNbits) GetPaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	return l.paymentStatus(ctx, checkingID)
}

type lnbitsWSMessage struct {
	Payment *struct {
		PaymentHash string `json:"payment_hash"`
		CheckingID  string `json:"checking_id"`
		Amount      int64  `json:"amount"`
		Status      string `json:"status"`
		Pending     *bool  `json:"pending"`
	} `json:"payment"`
}

// PaidInvoicesStream connects to /api/v1/ws/<invoice key>. The channel
// closes when the socket drops; the caller reconnects.
func (l *LNbits) PaidInvoicesStream(ctx context.Context) (<-chan string, error) {
	client, _ := l.nodes.current()
	endpoint, err := wsURL(client.baseURL, "/api/v1/ws/"+url.PathEscape(l.cfg.InvoiceKey))
	if err != nil {
		return nil, err
	}
	conn, _, err := l.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	l.track(conn)
	l.log.Info("paid invoice stream connected", zap.String("endpoint", client.baseURL))

	out := make(chan string)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(done)
		defer close(out)
		defer l.untrack(conn)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					l.log.Warn("paid invoice stream read failed", zap.Error(err))
				}
				return
			}
			id, ok := parseLNbitsPaid(msg)
			if !ok {
				continue
			}
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func parseLNbitsPaid(msg []byte) (string, bool) {
	var env lnbitsWSMessage
	if err := json.Unmarshal(msg, &env); err != nil || env.Payment == nil {
		return "", false
	}
	p := env.Payment
	if p.Amount <= 0 {
		return "", false
	}
	if p.Pending != nil && *p.Pending {
		return "", false
	}
	if p.Status != "" && !strings.EqualFold(p.Status, "success") {
		return "", false
	}
	if p.PaymentHash != "" {
		return p.PaymentHash, true
	}
	return p.CheckingID, p.CheckingID != ""
}

func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (l *LNbits) track(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *LNbits) untrack(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *LNbits) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.Close()
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
