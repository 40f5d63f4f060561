// Package ledger mirrors ticket ownership changes to an external registry
// over a signed HTTP API.
package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-engine/utils"
)

const transferPath = "/api/v1/ownership/transfer"

var ErrUnauthorized = errors.New("ledger rejected credentials")

type ClientConfig struct {
	BaseURL string
	APIKey  string
	HMACKey string
	Timeout time.Duration
}

type Client struct {
	// baseURL is the root of the ledger API, without a trailing slash.
	baseURL string

	// apiKey is sent as a bearer token.
	apiKey string

	// hmacKey signs every request body.
	hmacKey string

	hc      *http.Client
	breaker *utils.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(c ClientConfig, breaker *utils.CircuitBreaker, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ledger base url %q is not absolute", c.BaseURL)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("ledger")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		apiKey:  c.APIKey,
		hmacKey: c.HMACKey,
		hc:      &http.Client{Timeout: c.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

type transferRequest struct {
	RequestID  string `json:"requestId"`
	TicketID   string `json:"ticketId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// TransferOwnership records that ticketID moved from one user to another. It
// satisfies services.ExternalLedger.
func (c *Client) TransferOwnership(ctx context.Context, ticketID, fromUserID, toUserID string) error {
	_, err := c.breaker.Execute(ctx, func() (any, error) {
		return nil, c.transfer(ctx, ticketID, fromUserID, toUserID)
	})
	if err != nil {
		return fmt.Errorf("ledger transfer %s: %w", ticketID, err)
	}
	return nil
}

func (c *Client) transfer(ctx context.Context, ticketID, fromUserID, toUserID string) error {
	number, err := randomNumber()
	if err != nil {
		return fmt.Errorf("request id: %w", err)
	}

	body, err := json.Marshal(transferRequest{
		RequestID:  number,
		TicketID:   ticketID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transferPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256(body, []byte(c.hmacKey)))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}

	var reply struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || reply.Status != "OK" {
		return fmt.Errorf("http %d: status %q: %s", resp.StatusCode, reply.Status, reply.Message)
	}

	c.logger.Debug("Ledger ownership updated", "ticket_id", ticketID, "request_id", number)
	return nil
}

func randomNumber() (string, error) {
	min := big.NewInt(100000000000000000)
	max := big.NewInt(999999999999999999)
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(max, min))
	if err != nil {
		return "", err
	}

	n.Add(n, min)
	return n.String(), nil
}

// Hmac256 returns the hex HMAC-SHA256 of body under key.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}
