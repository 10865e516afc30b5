/**
 * @description
 * This package provides a client for the EasyAccess VTU API. Purchases are sent as
 * multipart form posts authenticated with the `AuthorizationToken` header; the
 * loosely typed response (`success` may be a bool or a string such as
 * "false_disabled") is decoded into string fields for classification by callers.
 *
 * @dependencies
 * - net/http, mime/multipart: Standard Go libraries.
 */
package easyaccessclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client is a client for the EasyAccess API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new EasyAccess API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Scalar decodes a JSON string, number or bool into its string form.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '"' {
		var v string
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*s = Scalar(v)
		return nil
	}
	*s = Scalar(string(trimmed))
	return nil
}

// String returns the lowercased, trimmed value.
func (s Scalar) String() string {
	return strings.ToLower(strings.TrimSpace(string(s)))
}

// Response is the common envelope of EasyAccess purchase endpoints.
type Response struct {
	Success         Scalar `json:"success"`
	Status          Scalar `json:"status"`
	Message         string `json:"message"`
	ClientReference string `json:"client_reference"`
	ReferenceNo     Scalar `json:"reference_no"`
	Pin             string `json:"pin"`
	Data            *struct {
		Success Scalar `json:"success"`
		Status  Scalar `json:"status"`
		Message string `json:"message"`
	} `json:"data"`
}

// AirtimeRequest is the payload for api/airtime.php.
type AirtimeRequest struct {
	Network         string
	Amount          int64
	Phone           string
	ClientReference string
}

// DataRequest is the payload for api/data.php.
type DataRequest struct {
	Network          string
	Phone            string
	DataPlan         string
	ClientReference  string
	MaxAmountPayable int64
}

// ExamPinRequest is the payload for api/{type}_v2.php.
type ExamPinRequest struct {
	Type            string
	Quantity        int
	ClientReference string
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("easyaccess api error: status %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("easyaccess api error: status %d", e.StatusCode)
}

// PurchaseAirtime buys VTU airtime.
func (c *Client) PurchaseAirtime(ctx context.Context, payload AirtimeRequest) (*Response, []byte, error) {
	return c.postForm(ctx, "api/airtime.php", map[string]string{
		"network":          payload.Network,
		"amount":           fmt.Sprintf("%d", payload.Amount),
		"mobileno":         payload.Phone,
		"airtime_type":     "001",
		"client_reference": payload.ClientReference,
	})
}

// PurchaseData buys a data bundle.
func (c *Client) PurchaseData(ctx context.Context, payload DataRequest) (*Response, []byte, error) {
	fields := map[string]string{
		"network":          payload.Network,
		"mobileno":         payload.Phone,
		"dataplan":         payload.DataPlan,
		"client_reference": payload.ClientReference,
	}
	if payload.MaxAmountPayable > 0 {
		fields["max_amount_payable"] = fmt.Sprintf("%d", payload.MaxAmountPayable)
	}
	return c.postForm(ctx, "api/data.php", fields)
}

// PurchaseExamPin buys exam result-checker pins.
func (c *Client) PurchaseExamPin(ctx context.Context, payload ExamPinRequest) (*Response, []byte, error) {
	pinType := strings.ToLower(strings.TrimSpace(payload.Type))
	return c.postForm(ctx, "api/"+url.PathEscape(pinType)+"_v2.php", map[string]string{
		"type":             pinType,
		"no_of_pins":       fmt.Sprintf("%d", payload.Quantity),
		"client_reference": payload.ClientReference,
	})
}

// GetPlans returns the raw plan list for a product type (e.g. "mtn_sme", "waec").
func (c *Client) GetPlans(ctx context.Context, productType string) (json.RawMessage, error) {
	endpoint := c.BaseURL + "/api/get_plans.php?product_type=" + url.QueryEscape(productType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create plans request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute plans request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: raw}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("plans response is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("AuthorizationToken", c.Token)
	req.Header.Set("cache-control", "no-cache")
	req.Header.Set("Accept", "application/json")
}

func (c *Client) postForm(ctx context.Context, endpoint string, fields map[string]string) (*Response, []byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, fields[k]); err != nil {
			return nil, nil, fmt.Errorf("failed to encode %s field %s: %w", endpoint, k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize %s form: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+endpoint, &body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

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
			apiErr.Message = decoded.Message
		}
		slog.Warn("easyaccess non-2xx response", "component", "easyaccess_client", "op", endpoint, "status", resp.StatusCode)
		return nil, raw, apiErr
	}

	var decoded Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, raw, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return &decoded, raw, nil
}
