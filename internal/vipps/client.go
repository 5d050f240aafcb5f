// Package vipps is a minimal client for the Vipps MobilePay ePayment API,
// covering the calls the purchase workflow needs: create, poll, capture,
// and cancel. It works against both the mock and the production API.
package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Payment states reported by the gateway.
const (
	StateCreated    = "CREATED"
	StateAuthorized = "AUTHORIZED"
	StateAborted    = "ABORTED"
	StateTerminated = "TERMINATED"
)

// APIError is returned when the gateway rejects a request.
type APIError struct {
	StatusCode int
	Body       string
}

// Error formats the gateway failure.
func (apiError *APIError) Error() string {
	return fmt.Sprintf("vipps api error: %d - %s", apiError.StatusCode, apiError.Body)
}

// Config holds the merchant credentials.
type Config struct {
	BaseURL              string
	ClientID             string
	ClientSecret         string
	SubscriptionKey      string
	MerchantSerialNumber string
	Timeout              time.Duration
}

// Client calls the ePayment API. Access tokens are cached until shortly
// before expiry.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient wires a client from merchant credentials.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vipps: base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("vipps: client credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Amount is a currency value in the smallest unit.
type Amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

// CreatePaymentRequest describes a new payment.
type CreatePaymentRequest struct {
	Reference   string
	AmountOre   int64
	Description string
	ReturnURL   string
	Phone       string
}

// CreatePaymentResult carries the redirect target for the user.
type CreatePaymentResult struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
}

// Payment is the state view of an existing payment.
type Payment struct {
	Reference string `json:"reference"`
	State     string `json:"state"`
	Amount    Amount `json:"amount"`
}

// CreatePayment registers a payment and returns the redirect URL.
func (client *Client) CreatePayment(ctx context.Context, request CreatePaymentRequest) (CreatePaymentResult, error) {
	payload := map[string]any{
		"amount":             Amount{Currency: "DKK", Value: request.AmountOre},
		"reference":          request.Reference,
		"returnUrl":          request.ReturnURL,
		"paymentDescription": request.Description,
		"userFlow":           "WEB_REDIRECT",
		"paymentMethod":      map[string]string{"type": "WALLET"},
	}
	if request.Phone != "" {
		payload["customer"] = map[string]string{"phoneNumber": request.Phone}
	}
	var result CreatePaymentResult
	if err := client.do(ctx, http.MethodPost, "/epayment/v1/payments", payload, &result); err != nil {
		return CreatePaymentResult{}, err
	}
	return result, nil
}

// GetPayment fetches the current state of a payment.
func (client *Client) GetPayment(ctx context.Context, reference string) (Payment, error) {
	var payment Payment
	if err := client.do(ctx, http.MethodGet, "/epayment/v1/payments/"+reference, nil, &payment); err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// CapturePayment finalizes an authorized payment. A zero amount captures the
// full authorized value.
func (client *Client) CapturePayment(ctx context.Context, reference string, amountOre int64) error {
	payload := map[string]any{}
	if amountOre > 0 {
		payload["modificationAmount"] = Amount{Currency: "DKK", Value: amountOre}
	}
	return client.do(ctx, http.MethodPost, "/epayment/v1/payments/"+reference+"/capture", payload, nil)
}

// CancelPayment voids a payment that was never captured.
func (client *Client) CancelPayment(ctx context.Context, reference string) error {
	return client.do(ctx, http.MethodPost, "/epayment/v1/payments/"+reference+"/cancel", map[string]any{}, nil)
}

func (client *Client) do(ctx context.Context, method string, endpoint string, payload any, out any) error {
	token, err := client.token(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("vipps: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.cfg.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("vipps: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Ocp-Apim-Subscription-Key", client.cfg.SubscriptionKey)
	request.Header.Set("Merchant-Serial-Number", client.cfg.MerchantSerialNumber)
	request.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("vipps: %s %s: %w", method, endpoint, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("vipps: read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &APIError{StatusCode: response.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("vipps: decode response: %w", err)
	}
	return nil
}

func (client *Client) token(ctx context.Context) (string, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.accessToken != "" && time.Now().Before(client.tokenExpiry) {
		return client.accessToken, nil
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+"/accesstoken/get", nil)
	if err != nil {
		return "", fmt.Errorf("vipps: build token request: %w", err)
	}
	request.Header.Set("client_id", client.cfg.ClientID)
	request.Header.Set("client_secret", client.cfg.ClientSecret)
	request.Header.Set("Ocp-Apim-Subscription-Key", client.cfg.SubscriptionKey)
	request.Header.Set("Merchant-Serial-Number", client.cfg.MerchantSerialNumber)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("vipps: fetch token: %w", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("vipps: read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &APIError{StatusCode: response.StatusCode, Body: string(raw)}
	}
	var parsed struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("vipps: decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("vipps: token response missing access_token")
	}
	client.accessToken = parsed.AccessToken
	expirySeconds, _ := parsed.ExpiresIn.Int64()
	expiry := time.Duration(expirySeconds) * time.Second
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	client.tokenExpiry = time.Now().Add(expiry - 30*time.Second)
	return client.accessToken, nil
}
