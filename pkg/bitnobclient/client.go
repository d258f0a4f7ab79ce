/**
 * @description
 * This package provides a client for the Bitnob custody API. It encapsulates
 * authenticated request construction (Bearer key plus an HMAC-SHA256
 * signature over timestamp, method, path and body), response parsing, and
 * webhook signature verification.
 *
 * Amounts cross this boundary as int64 satoshis; the wire format's decimal
 * BTC strings never reach the rest of the service.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/hex, encoding/json,
 *   fmt, io, log, net/http, strings, time: Standard Go libraries.
 */
package bitnobclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const satsPerBTC = 100_000_000

// Client is a client for the Bitnob API.
type Client struct {
	BaseURL       string
	APIKey        string
	secretKey     string
	webhookSecret string
	HTTPClient    *http.Client
	now           func() time.Time
}

// NewClient creates a new Bitnob API client. secretKey signs outbound
// requests; webhookSecret verifies inbound notifications.
func NewClient(baseURL, apiKey, secretKey, webhookSecret string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// APIError represents an error returned by the Bitnob API, carrying the
// provider's own status and message.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitnob api error: status=%d code=%q message=%q", e.StatusCode, e.Code, e.Message)
}

type customerResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type walletsResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Currency string `json:"currency"`
		Balance  int64  `json:"balance"`
	} `json:"data"`
}

type addressResponse struct {
	Data struct {
		Address string `json:"address"`
	} `json:"data"`
}

type sendResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

type feeResponse struct {
	Data struct {
		Fee int64 `json:"fee"`
	} `json:"data"`
}

// CreateCustomer registers an individual customer with the provider and
// returns their customer id.
func (c *Client) CreateCustomer(ctx context.Context, phone, fullName, email string) (string, error) {
	first, last := splitName(fullName)
	payload := map[string]string{
		"firstName":   first,
		"lastName":    last,
		"email":       email,
		"phoneNumber": phone,
		"type":        "individual",
	}

	var resp customerResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/customers", payload, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("customer response missing id")
	}
	return resp.Data.ID, nil
}

// GetBitcoinWallet returns the id of the company-level BTC wallet that all
// sends draw from.
func (c *Client) GetBitcoinWallet(ctx context.Context) (string, error) {
	var resp walletsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/wallets", nil, &resp); err != nil {
		return "", err
	}
	for _, w := range resp.Data {
		if strings.EqualFold(w.Currency, "btc") {
			return w.ID, nil
		}
	}
	return "", fmt.Errorf("no bitcoin wallet configured for this account")
}

// GetBalance returns the wallet balance in satoshis.
func (c *Client) GetBalance(ctx context.Context, walletID string) (int64, error) {
	var resp walletsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/wallets", nil, &resp); err != nil {
		return 0, err
	}
	for _, w := range resp.Data {
		if w.ID == walletID {
			return w.Balance, nil
		}
	}
	return 0, fmt.Errorf("wallet %s not found", walletID)
}

// GenerateAddress creates a fresh deposit address bound to the customer's
// email.
func (c *Client) GenerateAddress(ctx context.Context, customerEmail string) (string, error) {
	payload := map[string]string{"customerEmail": customerEmail}

	var resp addressResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/addresses/generate", payload, &resp); err != nil {
		return "", err
	}
	if resp.Data.Address == "" {
		return "", fmt.Errorf("address response missing address")
	}
	return resp.Data.Address, nil
}

// EstimateFee returns the estimated network fee in satoshis for sending
// amountSats to address.
func (c *Client) EstimateFee(ctx context.Context, address string, amountSats int64) (int64, error) {
	payload := map[string]string{
		"address":  address,
		"amount":   formatBTC(amountSats),
		"currency": "BTC",
	}

	var resp feeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/transactions/estimate-fee", payload, &resp); err != nil {
		return 0, err
	}
	return resp.Data.Fee, nil
}

// SendBitcoin submits an on-chain send and returns the provider's
// transaction id. The transfer settles asynchronously; final status arrives
// over the webhook channel.
func (c *Client) SendBitcoin(ctx context.Context, walletID, address string, amountSats int64, reference string) (string, error) {
	payload := map[string]string{
		"walletId":    walletID,
		"address":     address,
		"amount":      formatBTC(amountSats),
		"currency":    "BTC",
		"description": reference,
	}

	log.Printf("level=info component=bitnob_client msg=\"submitting send\" wallet=%s amount_sats=%d reference=%s", walletID, amountSats, reference)

	var resp sendResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/transactions/send", payload, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("send response missing transaction id")
	}
	return resp.Data.ID, nil
}

// VerifyWebhook reports whether signature is a valid HMAC-SHA256 hex digest
// of payload under the webhook secret. Comparison is constant time.
func (c *Client) VerifyWebhook(payload []byte, signature string) bool {
	if c.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// doRequest signs and executes one API call, decoding the body into out when
// the response is 2xx and into an APIError otherwise.
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	timestamp := fmt.Sprintf("%d", c.now().Unix())
	signature := c.sign(timestamp, method, path, body)

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=bitnob_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=bitnob_client path=%s status=%d code=%q message=%q", path, resp.StatusCode, apiErr.Code, apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// sign computes the request signature over timestamp + METHOD + path + body.
func (c *Client) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func splitName(fullName string) (string, string) {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// formatBTC renders satoshis as the decimal BTC string the API expects.
func formatBTC(sats int64) string {
	whole := sats / satsPerBTC
	frac := sats % satsPerBTC
	return fmt.Sprintf("%d.%08d", whole, frac)
}
