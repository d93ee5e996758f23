// Package remote implements the REST-over-TLS client for the remote
// node-management API: the only way the daemon observes or commands the
// Lightning node it manages. Every request is HMAC-signed with the
// configured API key.
package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
	"github.com/lnops/chand/internal/domain"
	"github.com/lnops/chand/internal/errs"
)

// NodeClient is the full surface the daemon's decision modules consume.
type NodeClient interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	ListForwards(ctx context.Context, cursor string, limit int) ([]domain.ForwardEvent, string, error)
	UpdateChannelConfig(ctx context.Context, channelID string, baseFeeMsat, feePPM int64) error
	OpenChannel(ctx context.Context, peerID string, amountSats int64, announce bool) (string, error)
	CloseChannel(ctx context.Context, channelID string, force bool) error
	CreateBolt11Invoice(ctx context.Context, amountMsat int64, description string) (string, error)
	PayBolt11(ctx context.Context, invoice string, maxFeeMsat int64, hintOutgoingChannel string) (PaymentResult, error)
	OnChainBalance(ctx context.Context) (OnChainBalance, error)
}

// PaymentResult reports the outcome of a pay_bolt11 call.
type PaymentResult struct {
	Succeeded   bool   `json:"succeeded"`
	FeeMsat     int64  `json:"fee_msat"`
	PaymentHash string `json:"payment_hash"`
}

// OnChainBalance mirrors on_chain_balance()'s response shape.
type OnChainBalance struct {
	ConfirmedSats int64 `json:"confirmed_sats"`
	ReservedSats  int64 `json:"reserved_sats"`
}

// Client is the HMAC-authenticated REST client for the remote node API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// New constructs a Client from server configuration.
func New(cfg config.ServerConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "remote_client").Logger(),
	}
}

// ListChannels returns the node's live channel set.
func (c *Client) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var resp struct {
		Channels []channelWire `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/channels", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(resp.Channels))
	for _, w := range resp.Channels {
		out = append(out, w.toDomain())
	}
	return out, nil
}

// ListForwards fetches one page of forwarding events, starting after cursor.
func (c *Client) ListForwards(ctx context.Context, cursor string, limit int) ([]domain.ForwardEvent, string, error) {
	path := fmt.Sprintf("/v1/forwards?limit=%d", limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var resp struct {
		Events     []forwardWire `json:"events"`
		NextCursor string        `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	out := make([]domain.ForwardEvent, 0, len(resp.Events))
	for _, w := range resp.Events {
		out = append(out, w.toDomain())
	}
	return out, resp.NextCursor, nil
}

// UpdateChannelConfig applies new fee terms to a channel.
func (c *Client) UpdateChannelConfig(ctx context.Context, channelID string, baseFeeMsat, feePPM int64) error {
	body := map[string]interface{}{
		"channel_id":    channelID,
		"base_fee_msat": baseFeeMsat,
		"fee_ppm":       feePPM,
	}
	return c.do(ctx, http.MethodPost, "/v1/channels/config", body, nil)
}

// OpenChannel requests a new channel to peerID funded with amountSats.
func (c *Client) OpenChannel(ctx context.Context, peerID string, amountSats int64, announce bool) (string, error) {
	body := map[string]interface{}{
		"peer_id":     peerID,
		"amount_sats": amountSats,
		"announce":    announce,
	}
	var resp struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/open", body, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

// CloseChannel requests closure of channelID.
func (c *Client) CloseChannel(ctx context.Context, channelID string, force bool) error {
	body := map[string]interface{}{
		"channel_id": channelID,
		"force":      force,
	}
	return c.do(ctx, http.MethodPost, "/v1/channels/close", body, nil)
}

// CreateBolt11Invoice creates a self-receivable invoice for a rebalance.
func (c *Client) CreateBolt11Invoice(ctx context.Context, amountMsat int64, description string) (string, error) {
	body := map[string]interface{}{
		"amount_msat": amountMsat,
		"description": description,
	}
	var resp struct {
		Invoice string `json:"invoice"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return "", err
	}
	return resp.Invoice, nil
}

// PayBolt11 pays invoice, capping routing fees at maxFeeMsat and hinting the
// outgoing channel to use.
func (c *Client) PayBolt11(ctx context.Context, invoice string, maxFeeMsat int64, hintOutgoingChannel string) (PaymentResult, error) {
	body := map[string]interface{}{
		"invoice":                invoice,
		"max_fee_msat":           maxFeeMsat,
		"hint_outgoing_channel":  hintOutgoingChannel,
	}
	var resp PaymentResult
	if err := c.do(ctx, http.MethodPost, "/v1/payments", body, &resp); err != nil {
		return PaymentResult{}, err
	}
	return resp, nil
}

// OnChainBalance reports the node's confirmed and reserved on-chain balance.
func (c *Client) OnChainBalance(ctx context.Context) (OnChainBalance, error) {
	var resp OnChainBalance
	if err := c.do(ctx, http.MethodGet, "/v1/balance", nil, &resp); err != nil {
		return OnChainBalance{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.Remote("marshal request body", err)
		}
		payload = encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.Transport("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.sign(req, payload)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transport(fmt.Sprintf("%s %s unreachable", method, path), err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return errs.Transport("read response body", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Remote(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), parseRemoteError(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errs.Remote("decode response body", err)
	}
	return nil
}

// sign attaches an HMAC-SHA256 signature over timestamp+method+path+body,
// keyed by the configured API key.
func (c *Client) sign(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.Path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-Api-Timestamp", timestamp)
	req.Header.Set("X-Api-Signature", signature)
}

type remoteErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseRemoteError(body []byte) error {
	var e remoteErrorBody
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return errors.New(e.Message)
		}
		if e.Error != "" {
			return errors.New(e.Error)
		}
	}
	if len(body) > 0 {
		return errors.New(strings.TrimSpace(string(body)))
	}
	return errors.New("no error body")
}

var _ NodeClient = (*Client)(nil)
