package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/receipts/internal/ir"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP Poster.
type Client struct {
	http *resty.Client
}

var _ Poster = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*resty.Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

// WithRetries enables resty's retry for transport failures and 5xx answers.
// Receipt posts are idempotent so retrying them is safe.
func WithRetries(count int, wait time.Duration) ClientOption {
	return func(c *resty.Client) {
		c.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Client-Version", ir.EngineVersion)
	for _, opt := range opts {
		opt(c)
	}
	return &Client{http: c}
}

type receiptAttribute struct {
	Value       string `json:"value"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

type receiptBody struct {
	FetchToken         string                      `json:"fetch_token"`
	AppUserID          string                      `json:"app_user_id"`
	IsRestore          bool                        `json:"is_restore"`
	ObserverMode       bool                        `json:"observer_mode"`
	ProductID          string                      `json:"product_id"`
	ProductType        ir.PurchaseType             `json:"product_type,omitempty"`
	OfferingID         string                      `json:"presented_offering_identifier,omitempty"`
	PriceMicros        int64                       `json:"price_micros,omitempty"`
	Currency           string                      `json:"currency,omitempty"`
	SubscriptionPeriod string                      `json:"normal_duration,omitempty"`
	IntroPeriod        string                      `json:"intro_duration,omitempty"`
	TrialPeriod        string                      `json:"trial_duration,omitempty"`
	Attributes         map[string]receiptAttribute `json:"attributes,omitempty"`
}

func newReceiptBody(req ReceiptRequest) receiptBody {
	b := receiptBody{
		FetchToken:         req.Token,
		AppUserID:          req.AppUserID,
		IsRestore:          req.IsRestore,
		ObserverMode:       req.ObserverMode,
		ProductID:          req.Product.ProductID,
		ProductType:        req.Product.Type,
		OfferingID:         req.Product.OfferingID,
		PriceMicros:        req.Product.PriceMicros,
		Currency:           req.Product.Currency,
		SubscriptionPeriod: req.Product.SubscriptionPeriod,
		IntroPeriod:        req.Product.IntroPeriod,
		TrialPeriod:        req.Product.TrialPeriod,
	}
	if len(req.Attributes) > 0 {
		b.Attributes = make(map[string]receiptAttribute, len(req.Attributes))
		for k, attr := range req.Attributes {
			b.Attributes[k] = receiptAttribute{Value: attr.Value, UpdatedAtMs: attr.SetAt.UnixMilli()}
		}
	}
	return b
}

// subscriberBody is the JSON shape of receipt and subscriber responses.
type subscriberBody struct {
	RequestDateMs   int64               `json:"request_date_ms"`
	RequestDate     string              `json:"request_date"`
	Subscriber      json.RawMessage     `json:"subscriber"`
	AttributeErrors []ir.AttributeError `json:"attribute_errors"`
}

func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// parseSnapshot decodes a subscriber response into a snapshot.
func parseSnapshot(appUserID string, body []byte) (ir.EntitlementSnapshot, []ir.AttributeError, error) {
	var sb subscriberBody
	if err := decodeJSON(body, &sb); err != nil {
		return ir.EntitlementSnapshot{}, nil, err
	}
	if len(sb.Subscriber) == 0 || sb.Subscriber[0] != '{' {
		return ir.EntitlementSnapshot{}, nil, errors.New("missing subscriber object")
	}

	var requestDate time.Time
	switch {
	case sb.RequestDateMs > 0:
		requestDate = time.UnixMilli(sb.RequestDateMs).UTC()
	case sb.RequestDate != "":
		t, err := time.Parse(time.RFC3339, sb.RequestDate)
		if err != nil {
			return ir.EntitlementSnapshot{}, nil, fmt.Errorf("parse request_date: %w", err)
		}
		requestDate = t.UTC()
	default:
		return ir.EntitlementSnapshot{}, nil, errors.New("missing request date")
	}

	return ir.EntitlementSnapshot{
		AppUserID:   appUserID,
		RequestDate: requestDate,
		Raw:         sb.Subscriber,
	}, sb.AttributeErrors, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return nil, classifyStatus(op, resp.StatusCode(), resp.Body())
	}
	return resp, nil
}

func subscriberPath(appUserID string, suffix string) string {
	return "/v1/subscribers/" + url.PathEscape(appUserID) + suffix
}

// PostReceipt implements Poster.
func (c *Client) PostReceipt(ctx context.Context, req ReceiptRequest) (PostResult, error) {
	const op = "post receipt"
	resp, err := c.do(ctx, op, resty.MethodPost, "/v1/receipts", newReceiptBody(req))
	if err != nil {
		return PostResult{}, err
	}
	snap, attrErrs, err := parseSnapshot(req.AppUserID, resp.Body())
	if err != nil {
		return PostResult{}, unexpectedResponse(op, resp.StatusCode(), err)
	}
	return PostResult{Snapshot: snap, AttributeErrors: attrErrs}, nil
}

// GetEntitlements implements Poster.
func (c *Client) GetEntitlements(ctx context.Context, appUserID string) (ir.EntitlementSnapshot, error) {
	const op = "get entitlements"
	resp, err := c.do(ctx, op, resty.MethodGet, subscriberPath(appUserID, ""), nil)
	if err != nil {
		return ir.EntitlementSnapshot{}, err
	}
	snap, _, err := parseSnapshot(appUserID, resp.Body())
	if err != nil {
		return ir.EntitlementSnapshot{}, unexpectedResponse(op, resp.StatusCode(), err)
	}
	return snap, nil
}

// GetCatalog implements Poster.
func (c *Client) GetCatalog(ctx context.Context, appUserID string) (json.RawMessage, error) {
	const op = "get catalog"
	resp, err := c.do(ctx, op, resty.MethodGet, subscriberPath(appUserID, "/offerings"), nil)
	if err != nil {
		return nil, err
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, unexpectedResponse(op, resp.StatusCode(), errors.New("invalid JSON"))
	}
	return json.RawMessage(body), nil
}

type attributionBody struct {
	Network string         `json:"network"`
	Data    map[string]any `json:"data"`
}

// PostAttribution implements Poster.
func (c *Client) PostAttribution(ctx context.Context, appUserID, network string, data map[string]any) error {
	_, err := c.do(ctx, "post attribution", resty.MethodPost, subscriberPath(appUserID, "/attribution"),
		attributionBody{Network: network, Data: data})
	return err
}
