package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/resilience"
	"github.com/sirupsen/logrus"
)

// Client talks to the payment rail. Transport failures and 5xx answers are
// returned as plain errors. 4xx answers are definitive and come back marked
// resilience.NonRetryable.
type Client struct {
	name     string
	resolver Resolver
	http     *http.Client
}

func NewClient(name string, resolver Resolver) *Client {
	return &Client{
		name:     name,
		resolver: resolver,
		// the policy bounds every call, this only guards against a missing deadline
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*Receipt, error) {
	receipt := new(Receipt)
	status, err := c.do(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, req, receipt)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired || receipt.Status == ChargeStatus_Declined {
		return receipt, resilience.NonRetryable(fmt.Errorf("%w: %s", ErrDeclined, receipt.Reason))
	}
	return receipt, nil
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	receipt := new(Receipt)
	if _, err := c.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, req, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Status looks a charge up by its idempotency key.
func (c *Client) Status(ctx context.Context, key string) (*Receipt, error) {
	receipt := new(Receipt)
	if _, err := c.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(key), "", nil, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *Client) do(ctx context.Context, method, path, key string, body any, out *Receipt) (int, error) {
	base, err := c.resolver.Resolve(c.name)
	if err != nil {
		return 0, resilience.NonRetryable(err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, resilience.NonRetryable(pkgerrors.NewJSONParsingError(err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return 0, resilience.NonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, resilience.NonRetryable(ErrChargeNotFound)
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusPaymentRequired:
		return resp.StatusCode, resilience.NonRetryable(&StatusError{Code: resp.StatusCode, Body: string(raw)})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		logrus.WithFields(logrus.Fields{
			"RAIL":   c.name,
			"PATH":   path,
			"STATUS": resp.StatusCode,
		}).Errorf("RAIL:BAD_RESPONSE %v", err)
		return resp.StatusCode, pkgerrors.NewJSONParsingError(err)
	}
	return resp.StatusCode, nil
}
