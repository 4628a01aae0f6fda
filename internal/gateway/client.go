package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	protocolVersion    = "2.0"
	defaultCurrency    = "KWD"
	defaultPaymentType = "0"
)

var (
	ErrRequestFailed     = errors.New("gateway request failed")
	ErrMalformedResponse = errors.New("gateway response malformed")
)

type Config struct {
	BaseURL      string
	MerchantCode string
	AccessCode   string
	SecretKey    string
	IVKey        string
	ResponseURL  string
	FailureURL   string
	Timeout      time.Duration
}

type Client struct {
	baseURL      string
	merchantCode string
	accessCode   string
	responseURL  string
	failureURL   string
	envelope     *Envelope
	client       *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	env, err := NewEnvelope([]byte(cfg.SecretKey), []byte(cfg.IVKey))
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is empty", ErrConfiguration)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		merchantCode: cfg.MerchantCode,
		accessCode:   cfg.AccessCode,
		responseURL:  cfg.ResponseURL,
		failureURL:   cfg.FailureURL,
		envelope:     env,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

type PaymentRequest struct {
	ReferenceNumber string
	Amount          decimal.Decimal
	Currency        string
	ResponseURL     string
	FailureURL      string
	PaymentType     string
}

// checkoutBody field order is the order the gateway documents.
type checkoutBody struct {
	MerchantCode         string `json:"merchantCode"`
	AccessCode           string `json:"access_code"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	ResponseURL          string `json:"responseUrl"`
	FailureURL           string `json:"failureUrl"`
	PaymentType          string `json:"paymentType"`
	Version              string `json:"version"`
	MerchantRefNo        string `json:"merchantRefNo"`
	OrderReferenceNumber string `json:"orderReferenceNumber"`
	Variable1            string `json:"variable1"`
}

type checkoutResponse struct {
	Message  string `json:"message"`
	Response struct {
		Data string `json:"data"`
	} `json:"response"`
}

// InitiatePayment registers the payment with the gateway and returns the URL the
// customer must be redirected to.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (string, error) {
	body, err := c.checkoutPayload(req)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("data", c.envelope.Encrypt(body))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkout", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("accessCode", c.accessCode)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg != "" {
			return "", fmt.Errorf("%w: http status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(msg, 256))
		}
		return "", fmt.Errorf("%w: http status %d", ErrRequestFailed, resp.StatusCode)
	}

	plain, err := c.envelope.Decrypt(bytes.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var out checkoutResponse
	if err := json.Unmarshal(sanitize(plain), &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.Response.Data == "" {
		return "", fmt.Errorf("%w: missing payment token: %s", ErrMalformedResponse, out.Message)
	}
	return c.baseURL + "/payment?data=" + out.Response.Data, nil
}

func (c *Client) checkoutPayload(req PaymentRequest) ([]byte, error) {
	if req.ReferenceNumber == "" {
		return nil, errors.New("reference number is required")
	}
	body := checkoutBody{
		MerchantCode:         c.merchantCode,
		AccessCode:           c.accessCode,
		Amount:               req.Amount.StringFixed(3),
		Currency:             firstNonEmpty(req.Currency, defaultCurrency),
		ResponseURL:          firstNonEmpty(req.ResponseURL, c.responseURL),
		FailureURL:           firstNonEmpty(req.FailureURL, c.failureURL),
		PaymentType:          firstNonEmpty(req.PaymentType, defaultPaymentType),
		Version:              protocolVersion,
		MerchantRefNo:        req.ReferenceNumber,
		OrderReferenceNumber: req.ReferenceNumber,
		Variable1:            req.ReferenceNumber,
	}

	// Callback URLs keep their & and / unescaped.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecryptCallback turns the data field of a gateway callback into a Callback.
// Every failure wraps ErrFormat.
func (c *Client) DecryptCallback(data string) (*Callback, error) {
	plain, err := c.envelope.Decrypt([]byte(data))
	if err != nil {
		return nil, err
	}
	var cb Callback
	if err := json.Unmarshal(sanitize(plain), &cb); err != nil {
		return nil, fmt.Errorf("%w: invalid callback json: %v", ErrFormat, err)
	}
	return &cb, nil
}

type Verification struct {
	Confirmed bool
	Message   string
}

// VerifyTransaction asks the gateway for the state of the transaction carrying
// the given merchant reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Verification, error) {
	endpoint := c.baseURL + "/api/transaction/" + url.PathEscape(reference) + "?isOrderReference=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("accessCode", c.accessCode)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: verify http status %d", ErrRequestFailed, resp.StatusCode)
	}
	var out struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &Verification{Confirmed: out.Status, Message: out.Message}, nil
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
