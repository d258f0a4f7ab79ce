/**
 * @description
 * This package provides a client for the Twilio messaging API. It delivers
 * outbound WhatsApp messages with an SMS fallback when the WhatsApp channel
 * rejects the send, and renders TwiML payloads for synchronous webhook
 * replies.
 *
 * @dependencies
 * - context, crypto/hmac, crypto/sha1, encoding/base64, encoding/json,
 *   encoding/xml, fmt, io, log, net/http, net/url, sort, strings, time:
 *   Standard Go libraries.
 */
package twilioclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const whatsappPrefix = "whatsapp:"

// Client sends messages through the Twilio REST API.
type Client struct {
	BaseURL        string
	AccountSID     string
	AuthToken      string
	WhatsAppNumber string
	HTTPClient     *http.Client
}

// NewClient creates a new Twilio API client. whatsappNumber is the sender in
// E.164 form, with or without the "whatsapp:" prefix.
func NewClient(accountSID, authToken, whatsappNumber string) *Client {
	return &Client{
		BaseURL:        "https://api.twilio.com",
		AccountSID:     accountSID,
		AuthToken:      authToken,
		WhatsAppNumber: strings.TrimPrefix(whatsappNumber, whatsappPrefix),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// APIError represents an error returned by the Twilio API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio api error: status=%d code=%d message=%q", e.StatusCode, e.Code, e.Message)
}

// SendWhatsApp delivers body to the phone number over the WhatsApp channel,
// falling back to plain SMS if the WhatsApp send is rejected.
func (c *Client) SendWhatsApp(ctx context.Context, to, body string) error {
	to = strings.TrimPrefix(to, whatsappPrefix)

	err := c.sendMessage(ctx, whatsappPrefix+to, whatsappPrefix+c.WhatsAppNumber, body)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=twilio_client msg=\"whatsapp send failed, falling back to sms\" to=%s error=%q", to, err)
	if smsErr := c.sendMessage(ctx, to, c.WhatsAppNumber, body); smsErr != nil {
		return fmt.Errorf("whatsapp send failed (%v) and sms fallback failed: %w", err, smsErr)
	}
	return nil
}

func (c *Client) sendMessage(ctx context.Context, to, from, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.BaseURL, c.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create message request: %w", err)
	}
	req.SetBasicAuth(c.AccountSID, c.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute message request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read error response (status %d): %w", resp.StatusCode, err)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
		return fmt.Errorf("message send failed with status %d", resp.StatusCode)
	}
	return apiErr
}

// ValidateSignature reports whether signature matches Twilio's webhook
// signature for the given request URL and form parameters: HMAC-SHA1 over
// the URL followed by the sorted parameter names and values, base64-encoded.
func (c *Client) ValidateSignature(requestURL string, form url.Values, signature string) bool {
	if c.AuthToken == "" || signature == "" {
		return false
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(requestURL)
	for _, k := range keys {
		payload.WriteString(k)
		payload.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(c.AuthToken))
	mac.Write([]byte(payload.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// twimlResponse is the synchronous reply envelope Twilio expects from a
// message webhook.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// RenderTwiML wraps a reply body in a TwiML <Response> document. An empty
// body renders an empty response, which tells Twilio to send nothing.
func RenderTwiML(body string) ([]byte, error) {
	out, err := xml.Marshal(twimlResponse{Message: body})
	if err != nil {
		return nil, fmt.Errorf("failed to render twiml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
