package funding

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type LndRestConfig struct {
	Endpoint string
	// Macaroon is hex, or a path to a binary macaroon file.
	Macaroon string
	CertPath string
	Insecure bool
}

// LndRest talks to lnd's REST gateway.
type LndRest struct {
	rest *restClient
	log  *zap.Logger

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
}

func NewLndRest(cfg LndRestConfig, log *zap.Logger) (*LndRest, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("lndrest: endpoint is required")
	}
	macaroon, err := loadMacaroon(cfg.Macaroon)
	if err != nil {
		return nil, err
	}
	transport, err := lndTransport(cfg)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if macaroon != "" {
		headers["Grpc-Metadata-macaroon"] = macaroon
	}
	return &LndRest{
		rest:    newRESTClient(cfg.Endpoint, headers, transport),
		log:     log,
		cancels: map[int]context.CancelFunc{},
	}, nil
}

func loadMacaroon(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if _, err := hex.DecodeString(v); err == nil {
		return v, nil
	}
	raw, err := os.ReadFile(v)
	if err != nil {
		return "", fmt.Errorf("lndrest: read macaroon: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func lndTransport(cfg LndRestConfig) (http.RoundTripper, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CertPath != "" {
		pem, err := os.ReadFile(cfg.CertPath)
		if err != nil {
			return nil, fmt.Errorf("lndrest: read cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("lndrest: no certificates in cert_path")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.Insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = tlsCfg
	return t, nil
}

func (l *LndRest) Name() string { return ClassLndRest }

func (l *LndRest) Status(ctx context.Context) (StatusResponse, error) {
	var out struct {
		LocalBalance struct {
			Msat string `json:"msat"`
		} `json:"local_balance"`
		Balance string `json:"balance"`
	}
	if err := l.rest.do(ctx, l.rest.client, http.MethodGet, "/v1/balance/channels", nil, nil, &out); err != nil {
		return StatusResponse{ErrorMessage: err.Error()}, err
	}
	if out.LocalBalance.Msat != "" {
		msat, err := strconv.ParseInt(out.LocalBalance.Msat, 10, 64)
		if err != nil {
			return StatusResponse{ErrorMessage: err.Error()}, err
		}
		return StatusResponse{BalanceMsat: msat}, nil
	}
	sats, _ := strconv.ParseInt(out.Balance, 10, 64)
	return StatusResponse{BalanceMsat: sats * 1000}, nil
}

func (l *LndRest) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResponse, error) {
	body := map[string]any{
		"value_msat": strconv.FormatInt(req.AmountMsat, 10),
		"private":    true,
	}
	switch {
	case len(req.DescriptionHash) > 0:
		body["description_hash"] = base64.StdEncoding.EncodeToString(req.DescriptionHash)
	case len(req.UnhashedDescription) > 0:
		body["description_hash"] = base64.StdEncoding.EncodeToString(sha256Sum(req.UnhashedDescription))
	default:
		body["memo"] = req.Memo
	}
	if req.Expiry > 0 {
		body["expiry"] = strconv.FormatInt(int64(req.Expiry/time.Second), 10)
	}
	if len(req.Preimage) > 0 {
		body["r_preimage"] = base64.StdEncoding.EncodeToString(req.Preimage)
	}

	var out struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := l.rest.do(ctx, l.rest.client, http.MethodPost, "/v1/invoices", nil, body, &out); err != nil {
		return InvoiceResponse{}, err
	}
	hash, err := base64ToHex(out.RHash)
	if err != nil || hash == "" {
		return InvoiceResponse{}, errors.New("lndrest: invoice response without r_hash")
	}
	resp := InvoiceResponse{CheckingID: hash, PaymentRequest: out.PaymentRequest, PaymentHash: hash}
	if len(req.Preimage) > 0 {
		resp.Preimage = hex.EncodeToString(req.Preimage)
	}
	return resp, nil
}

type lndSendResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	PaymentRoute    struct {
		TotalFeesMsat string `json:"total_fees_msat"`
	} `json:"payment_route"`
}

func (l *LndRest) PayInvoice(ctx context.Context, bolt11 string, feeLimitMsat int64) PaymentResponse {
	body := map[string]any{
		"payment_request": bolt11,
		"fee_limit":       map[string]string{"fixed_msat": strconv.FormatInt(feeLimitMsat, 10)},
	}
	var out lndSendResponse
	err := l.rest.do(ctx, l.rest.payClient, http.MethodPost, "/v1/channels/transactions", nil, body, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return PaymentFailed(httpErr.Message)
		}
		l.log.Warn("pay invoice: unclear outcome", zap.Error(err))
		return PaymentResponse{ErrorMessage: err.Error()}
	}
	if out.PaymentError != "" {
		return PaymentFailed(out.PaymentError)
	}
	hash, err := base64ToHex(out.PaymentHash)
	if err != nil || hash == "" {
		return PaymentResponse{ErrorMessage: "lndrest: payment response without hash"}
	}
	preimage, _ := base64ToHex(out.PaymentPreimage)
	fee, _ := strconv.ParseInt(out.PaymentRoute.TotalFeesMsat, 10, 64)
	return PaymentSucceeded(hash, fee, preimage)
}

func (l *LndRest) GetInvoiceStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	if _, err := hex.DecodeString(checkingID); err != nil {
		return StatusPending(), fmt.Errorf("lndrest: bad checking id %q", checkingID)
	}
	var out struct {
		Settled   bool   `json:"settled"`
		State     string `json:"state"`
		RPreimage string `json:"r_preimage"`
	}
	if err := l.rest.do(ctx, l.rest.client, http.MethodGet, "/v1/invoice/"+checkingID, nil, nil, &out); err != nil {
		return StatusPending(), err
	}
	switch {
	case out.Settled || out.State == "SETTLED":
		preimage, _ := base64ToHex(out.RPreimage)
		return StatusPaid(0, preimage), nil
	case out.State == "CANCELED":
		return StatusFailed(), nil
	default:
		return StatusPending(), nil
	}
}

type lndTrackResult struct {
	Status          string `json:"status"`
	FeeMsat         string `json:"fee_msat"`
	PaymentPreimage string `json:"payment_preimage"`
}

// GetPaymentStatus reads the first update of /v2/router/track, which is the
// payment's current state.
func (l *LndRest) GetPaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error) {
	raw, err := hex.DecodeString(checkingID)
	if err != nil {
		return StatusPending(), fmt.Errorf("lndrest: bad checking id %q", checkingID)
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	path := "/v2/router/track/" + base64.URLEncoding.EncodeToString(raw) + "?no_inflight_updates=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.rest.baseURL+path, nil)
	if err != nil {
		return StatusPending(), err
	}
	for k, v := range l.rest.headers {
		req.Header.Set(k, v)
	}
	resp, err := l.rest.payClient.Do(req)
	if err != nil {
		return StatusPending(), err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return StatusPending(), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusPending(), &HTTPError{StatusCode: resp.StatusCode}
	}

	var line struct {
		Result *lndTrackResult `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&line); err != nil {
		return StatusPending(), err
	}
	if line.Error != nil {
		if strings.Contains(line.Error.Message, "not found") {
			return StatusFailed(), nil
		}
		return StatusPending(), errors.New(line.Error.Message)
	}
	if line.Result == nil {
		return StatusPending(), nil
	}
	switch line.Result.Status {
	case "SUCCEEDED":
		fee, _ := strconv.ParseInt(line.Result.FeeMsat, 10, 64)
		return StatusPaid(fee, line.Result.PaymentPreimage), nil
	case "FAILED":
		return StatusFailed(), nil
	default:
		return StatusPending(), nil
	}
}

// PaidInvoicesStream reads the chunked /v1/invoices/subscribe response, one
// JSON object per line.
func (l *LndRest) PaidInvoicesStream(ctx context.Context) (<-chan string, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.rest.baseURL+"/v1/invoices/subscribe", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, v := range l.rest.headers {
		req.Header.Set(k, v)
	}
	resp, err := l.rest.payClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	id := l.register(cancel)

	out := make(chan string)
	go func() {
		defer close(out)
		defer l.unregister(id)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			hash, ok := parseLndInvoiceUpdate(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case out <- hash:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			l.log.Warn("invoice subscription ended", zap.Error(err))
		}
	}()
	return out, nil
}

func parseLndInvoiceUpdate(line []byte) (string, bool) {
	var msg struct {
		Result struct {
			Settled bool   `json:"settled"`
			State   string `json:"state"`
			RHash   string `json:"r_hash"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return "", false
	}
	if !msg.Result.Settled && msg.Result.State != "SETTLED" {
		return "", false
	}
	hash, err := base64ToHex(msg.Result.RHash)
	if err != nil || hash == "" {
		return "", false
	}
	return hash, true
}

func (l *LndRest) register(cancel context.CancelFunc) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.cancels[l.nextID] = cancel
	return l.nextID
}

func (l *LndRest) unregister(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.cancels[id]; ok {
		cancel()
		delete(l.cancels, id)
	}
}

func (l *LndRest) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cancel := range l.cancels {
		cancel()
		delete(l.cancels, id)
	}
	return nil
}

func base64ToHex(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(v)
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(raw), nil
}
