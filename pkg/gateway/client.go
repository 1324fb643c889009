package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrTimeout marks a gateway call whose outcome is unknown. Callers record
// the payment as PENDING and let reconciliation resolve it.
var ErrTimeout = errors.New("gateway request timed out")

// tokenRefreshMargin is how long before expiry a cached token is refreshed.
const tokenRefreshMargin = time.Minute

// ClientConfig holds HTTP gateway client configuration.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	RequestTimeout time.Duration
}

// Client is the HTTP implementation of Gateway. It owns a process-wide
// access-token cache with guarded lazy refresh; concurrent refreshes collapse
// into one flight and last-writer-wins is acceptable since tokens are
// equivalent in capability.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	log    *logrus.Entry
	group  singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig, log *logrus.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log.WithField("component", "gateway"),
	}
}

// accessToken returns a cached token, refreshing it lazily when it is within
// tokenRefreshMargin of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.expiry
	c.mu.Unlock()

	if token != "" && time.Until(expiry) > tokenRefreshMargin {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		return c.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	body := map[string]string{"api_key": c.cfg.APIKey, "api_secret": c.cfg.APISecret}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", "", body, &resp); err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.mu.Unlock()

	c.log.WithField("expires_in", resp.ExpiresIn).Debug("gateway access token refreshed")
	return resp.AccessToken, nil
}

// IssueCredential tokenizes card details into a reusable credential.
func (c *Client) IssueCredential(ctx context.Context, tenantRef string, card CardDetails) (*CredentialInfo, error) {
	req := struct {
		TenantRef string      `json:"tenant_ref"`
		Card      CardDetails `json:"card"`
	}{tenantRef, card}

	var info CredentialInfo
	if err := c.call(ctx, http.MethodPost, "/v1/credentials", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteCredential retires a stored credential at the gateway.
func (c *Client) DeleteCredential(ctx context.Context, ref string) error {
	return c.call(ctx, http.MethodDelete, "/v1/credentials/"+ref, nil, nil)
}

// GetCredentialInfo fetches the gateway's record for a credential.
func (c *Client) GetCredentialInfo(ctx context.Context, ref string) (*CredentialInfo, error) {
	var info CredentialInfo
	if err := c.call(ctx, http.MethodGet, "/v1/credentials/"+ref, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Charge bills the credential, tagged with the merchant reference.
func (c *Client) Charge(ctx context.Context, credentialRef, merchantRef string, amountCents int64, description string) (*ChargeResult, error) {
	req := struct {
		CredentialRef string `json:"credential_ref"`
		MerchantRef   string `json:"merchant_ref"`
		AmountCents   int64  `json:"amount_cents"`
		Description   string `json:"description,omitempty"`
	}{credentialRef, merchantRef, amountCents, description}

	var result ChargeResult
	if err := c.call(ctx, http.MethodPost, "/v1/payments", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPaymentStatus fetches the authoritative status for a transaction.
func (c *Client) GetPaymentStatus(ctx context.Context, transactionID string) (*PaymentStatus, error) {
	var status PaymentStatus
	if err := c.call(ctx, http.MethodGet, "/v1/payments/"+transactionID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelPayment cancels a paid transaction, fully or partially.
func (c *Client) CancelPayment(ctx context.Context, transactionID string, amountCents int64, reason string) error {
	req := struct {
		AmountCents int64  `json:"amount_cents"`
		Reason      string `json:"reason,omitempty"`
	}{amountCents, reason}
	return c.call(ctx, http.MethodPost, "/v1/payments/"+transactionID+"/cancel", req, nil)
}

// call performs an authenticated request, mapping timeouts to ErrTimeout.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, path, token, in, out)
	if isTimeout(err) {
		c.log.WithFields(logrus.Fields{"method": method, "path": path}).Warn("gateway request timed out; outcome unknown")
		return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
