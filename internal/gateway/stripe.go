package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// StripeClient implements Gateway against a Stripe-compatible payment
// intents API.  Authorizations are payment intents confirmed with
// capture_method=manual, so the card is held but not charged.
type StripeClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStripeClient returns a client for cfg.  A zero Timeout means 10s.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	return &StripeClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type paymentIntent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type apiError struct {
	Error struct {
		Type          string         `json:"type"`
		Code          string         `json:"code"`
		DeclineCode   string         `json:"decline_code"`
		Message       string         `json:"message"`
		PaymentIntent *paymentIntent `json:"payment_intent"`
	} `json:"error"`
}

// Authorize creates and confirms a manual-capture payment intent.
func (c *StripeClient) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.PaymentMethodRef)
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}

	pi, err := c.post(ctx, OpAuthorize, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return Authorization{}, err
	}
	if pi.Status != "requires_capture" {
		// confirm=true with a card that needs more steps or was refused
		return Authorization{}, &Error{Op: OpAuthorize, Code: CodeDeclined,
			Message: "payment intent " + pi.ID + " ended in status " + pi.Status}
	}
	return Authorization{ID: pi.ID, Status: StatusAuthorized, AmountCents: pi.Amount, Currency: pi.Currency}, nil
}

// Capture captures the full authorized amount.  An intent that has
// already succeeded counts as captured.
func (c *StripeClient) Capture(ctx context.Context, authorizationID string) error {
	return c.finish(ctx, OpCapture, authorizationID, "succeeded")
}

// Cancel voids the hold.  An intent that is already canceled counts as
// canceled.
func (c *StripeClient) Cancel(ctx context.Context, authorizationID string) error {
	return c.finish(ctx, OpCancel, authorizationID, "canceled")
}

func (c *StripeClient) finish(ctx context.Context, op, id, doneStatus string) error {
	if id == "" {
		return &Error{Op: op, Code: CodeNotFound, Message: "empty authorization id"}
	}
	path := "/v1/payment_intents/" + url.PathEscape(id) + "/" + op
	pi, err := c.post(ctx, op, path, url.Values{}, "reservation-"+op+"-"+id)
	if err == nil {
		if pi.Status != doneStatus {
			return &Error{Op: op, Code: CodeUnexpectedState, Message: "payment intent " + id + " is " + pi.Status}
		}
		return nil
	}
	if Code(err) != CodeUnexpectedState {
		return err
	}
	// A repeated capture or cancel is rejected with unexpected_state; the
	// operation still succeeded if the intent reached the target status.
	current, getErr := c.get(ctx, op, id)
	if getErr != nil {
		return err
	}
	if current.Status == doneStatus {
		return nil
	}
	return err
}

func (c *StripeClient) post(ctx context.Context, op, path string, form url.Values, idempotencyKey string) (paymentIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return paymentIntent{}, &Error{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(op, req)
}

func (c *StripeClient) get(ctx context.Context, op, id string) (paymentIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payment_intents/"+url.PathEscape(id), http.NoBody)
	if err != nil {
		return paymentIntent{}, &Error{Op: op, Message: "build request", Err: err}
	}
	return c.do(op, req)
}

func (c *StripeClient) do(op string, req *http.Request) (paymentIntent, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return paymentIntent{}, &Error{Op: op, Code: CodeUnavailable, Message: "request failed",
			Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return paymentIntent{}, &Error{Op: op, Code: CodeUnavailable, Message: "read response", Retryable: true, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var pi paymentIntent
		if err := json.Unmarshal(body, &pi); err != nil {
			return paymentIntent{}, &Error{Op: op, Message: "decode payment intent", Err: err}
		}
		return pi, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	code := apiErr.Error.Code
	if code == "" {
		code = "http_" + strconv.Itoa(resp.StatusCode)
	}
	msg := apiErr.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return paymentIntent{}, &Error{Op: op, Code: code, Message: msg, Retryable: retryableStatus(resp.StatusCode)}
}

// retryableStatus reports whether a provider response may succeed when
// repeated with the same idempotency key.
func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusConflict:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
