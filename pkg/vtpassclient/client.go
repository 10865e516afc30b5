/**
 * @description
 * This package provides a client for the VTpass bills payment API. It builds the
 * authenticated JSON requests for the `pay` and `requery` endpoints and decodes
 * the response envelope (`code` + `content.transactions`). It does not interpret
 * result codes; callers classify them.
 *
 * @dependencies
 * - net/http, encoding/json: Standard Go libraries.
 */
package vtpassclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"
)

const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// lagos is the fixed UTC+1 zone VTpass expects request ids to be stamped in.
var lagos = time.FixedZone("WAT", 60*60)

// Client is a client for the VTpass API.
type Client struct {
	BaseURL    string
	APIKey     string
	PublicKey  string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new VTpass API client.
func NewClient(baseURL, apiKey, publicKey, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:    apiKey,
		PublicKey: publicKey,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FlexString decodes JSON strings and numbers into a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(string(trimmed))
	return nil
}

// PayRequest is the payload for POST /pay.
type PayRequest struct {
	RequestID     string `json:"request_id"`
	ServiceID     string `json:"serviceID"`
	BillersCode   string `json:"billersCode,omitempty"`
	VariationCode string `json:"variation_code,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
}

// Transaction is the nested transaction block of a VTpass response.
type Transaction struct {
	Status        string     `json:"status"`
	ProductName   string     `json:"product_name"`
	UniqueElement string     `json:"unique_element"`
	TransactionID FlexString `json:"transactionId"`
	Amount        FlexString `json:"amount"`
}

// Response is the envelope returned by /pay and /requery.
type Response struct {
	Code    FlexString `json:"code"`
	Content *struct {
		Transactions *Transaction `json:"transactions"`
	} `json:"content"`
	ResponseDescription string     `json:"response_description"`
	RequestID           string     `json:"requestId"`
	Amount              FlexString `json:"amount"`
	PurchasedCode       string     `json:"purchased_code"`
	Cards               []struct {
		Serial string `json:"Serial"`
		Pin    string `json:"Pin"`
	} `json:"cards"`
}

// TransactionStatus returns content.transactions.status, lowercased.
func (r *Response) TransactionStatus() string {
	if r == nil || r.Content == nil || r.Content.Transactions == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Content.Transactions.Status))
}

// TransactionID returns the provider's transaction id when present.
func (r *Response) TransactionID() string {
	if r == nil || r.Content == nil || r.Content.Transactions == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Content.Transactions.TransactionID))
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("vtpass api error: status %d code %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vtpass api error: status %d", e.StatusCode)
}

// Pay submits a purchase. The raw response body is returned alongside the decoded
// envelope so callers can persist it; it is also returned when decoding fails.
func (c *Client) Pay(ctx context.Context, payload PayRequest) (*Response, []byte, error) {
	return c.post(ctx, "pay", payload)
}

// Requery fetches the current status of a previously submitted request id.
func (c *Client) Requery(ctx context.Context, requestID string) (*Response, []byte, error) {
	return c.post(ctx, "requery", map[string]string{"request_id": requestID})
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) (*Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", c.APIKey)
	req.Header.Set("public-key", c.PublicKey)
	req.Header.Set("secret-key", c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: raw}
		var decoded Response
		if json.Unmarshal(raw, &decoded) == nil {
			apiErr.Code = string(decoded.Code)
			apiErr.Message = decoded.ResponseDescription
		}
		slog.Warn("vtpass non-2xx response", "component", "vtpass_client", "op", endpoint, "status", resp.StatusCode, "code", apiErr.Code)
		return nil, raw, apiErr
	}

	var decoded Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, raw, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return &decoded, raw, nil
}

// NewRequestID builds a VTpass request id: the first twelve characters are the
// request time as YYYYMMDDHHmm in Lagos time, followed by suffix. When suffix is
// empty a random alphanumeric string is used.
func NewRequestID(now time.Time, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		suffix = randomAlphanumeric(12)
	}
	return now.In(lagos).Format("200601021504") + suffix
}

func randomAlphanumeric(n int) string {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(requestIDAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			b.WriteByte(requestIDAlphabet[i%len(requestIDAlphabet)])
			continue
		}
		b.WriteByte(requestIDAlphabet[idx.Int64()])
	}
	return b.String()
}
