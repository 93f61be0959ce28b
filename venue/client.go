// Package venue is the shared access layer for the prediction-market APIs:
// an authenticated CLOB client, the public Data API, and the Gamma metadata
// host. All requests pass through the matching rate-limit bucket and a
// shared retry policy.
package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradingengine/models"
	"tradingengine/ratelimit"
)

const (
	requestTimeout = 20 * time.Second
	maxAttempts    = 3
)

// CredentialsFunc returns the current credential set. The client reads
// credentials live per request so updates take effect without a restart.
type CredentialsFunc func(ctx context.Context) (models.Credentials, error)

// Client talks to the CLOB host (authenticated) and the Data host (public).
type Client struct {
	clobURL    string
	dataURL    string
	gammaURL   string
	searchURL  string
	httpClient *http.Client
	limits     *ratelimit.Registry
	creds      CredentialsFunc
	pacer      *rate.Limiter
}

// NewClient builds a client for the given hosts. limits may not be nil;
// creds may be nil for a public-only client.
func NewClient(clobURL, dataURL, gammaURL, searchURL string, limits *ratelimit.Registry, creds CredentialsFunc) *Client {
	return &Client{
		clobURL:    clobURL,
		dataURL:    dataURL,
		gammaURL:   gammaURL,
		searchURL:  searchURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limits:     limits,
		creds:      creds,
		// Smooths bursts inside a bucket window; the bucket itself enforces
		// the per-minute budget.
		pacer: rate.NewLimiter(rate.Limit(20), 10),
	}
}

// GetOrderBook fetches the book for a token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)

	var book OrderBook
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/book", q, false, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetMidpoint fetches the midpoint price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)

	var resp struct {
		Mid string `json:"mid"`
	}
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/midpoint", q, false, &resp); err != nil {
		return decimal.Zero, err
	}
	mid, err := decimal.NewFromString(resp.Mid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: parse midpoint %q: %w", resp.Mid, err)
	}
	return mid, nil
}

// GetPrice fetches the current price for one side of a token's book.
func (c *Client) GetPrice(ctx context.Context, tokenID string, side models.Side) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	q.Set("side", string(side))

	var resp struct {
		Price string `json:"price"`
	}
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/price", q, false, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: parse price %q: %w", resp.Price, err)
	}
	return price, nil
}

// GetOwnTrades fetches the operator's fills from the authenticated CLOB
// trades feed, filtered by maker or taker address.
func (c *Client) GetOwnTrades(ctx context.Context, makerAddress, takerAddress string) ([]ActivityItem, error) {
	q := url.Values{}
	if makerAddress != "" {
		q.Set("maker", makerAddress)
	}
	if takerAddress != "" {
		q.Set("taker", takerAddress)
	}

	var items []ActivityItem
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/data/trades", q, true, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetServerTime returns the venue's clock in whole seconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, ratelimit.BucketCLOB, http.MethodGet, c.clobURL, "/time", nil, nil, false)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(string(bytes.TrimSpace(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("venue: parse server time: %w", err)
	}
	return ts, nil
}

// GetClobMarket fetches CLOB market information by condition id.
func (c *Client) GetClobMarket(ctx context.Context, conditionID string) (*ClobMarket, error) {
	var market ClobMarket
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/markets/"+conditionID, nil, false, &market); err != nil {
		return nil, err
	}
	return &market, nil
}

// GetBalance returns the operator's collateral balance in USDC. The venue
// reports micro-USDC; the result is divided by 10^6.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("asset_type", "COLLATERAL")
	q.Set("signature_type", "2")

	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.getJSON(ctx, ratelimit.BucketCLOB, c.clobURL, "/balance-allowance", q, true, &resp); err != nil {
		return decimal.Zero, err
	}
	micro, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: parse balance %q: %w", resp.Balance, err)
	}
	return micro.Shift(-6), nil
}

// PostOrder submits a signed order payload.
func (c *Client) PostOrder(ctx context.Context, orderPayload any, orderType OrderType) (*OrderResponse, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"order":     orderPayload,
		"owner":     creds.APIKey,
		"orderType": orderType,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("venue: marshal order: %w", err)
	}

	respBody, err := c.do(ctx, ratelimit.BucketCLOB, http.MethodPost, c.clobURL, "/order", nil, body, true)
	if err != nil {
		return nil, err
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("venue: decode order response: %w", err)
	}
	return &orderResp, nil
}

// GetActivityPage fetches one page of a wallet's activity feed.
func (c *Client) GetActivityPage(ctx context.Context, user string, limit, offset int) ([]ActivityItem, error) {
	q := url.Values{}
	q.Set("user", user)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var items []ActivityItem
	if err := c.getJSON(ctx, ratelimit.BucketData, c.dataURL, "/activity", q, false, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetGammaJSON issues a GET against the Gamma host and returns the raw
// body. The gamma package owns all parsing.
func (c *Client) GetGammaJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, ratelimit.BucketGamma, http.MethodGet, c.gammaURL, path, query, nil, false)
}

// SearchEvents queries the search host for events matching text.
func (c *Client) SearchEvents(ctx context.Context, text string, limit int) ([]SearchEvent, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("type", "events")
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Events []SearchEvent `json:"events"`
	}
	if err := c.getJSON(ctx, ratelimit.BucketGamma, c.searchURL, "/search", q, false, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) getJSON(ctx context.Context, bucket, base, path string, query url.Values, auth bool, v any) error {
	body, err := c.do(ctx, bucket, http.MethodGet, base, path, query, nil, auth)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("venue: decode %s: %w", path, err)
	}
	return nil
}

// do issues one request through the rate limiter with the shared retry
// policy: transport errors back off exponentially (500·n² ms capped at 5s),
// 429 backs off linearly (2s × attempt), 5xx waits a fixed 1s. 4xx other
// than 429 is surfaced immediately as a non-retryable APIError.
func (c *Client) do(ctx context.Context, bucket, method, base, path string, query url.Values, body []byte, auth bool) ([]byte, error) {
	fullURL := base + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limits.Acquire(ctx, bucket, 0); err != nil {
			return nil, fmt.Errorf("venue: acquire %s bucket: %w", bucket, err)
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth {
			c.signRequest(ctx, req, method, path, body)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				backoff := time.Duration(500*attempt*attempt) * time.Millisecond
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
				if !sleepCtx(ctx, backoff) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, fmt.Errorf("venue: %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < maxAttempts {
				continue
			}
			return nil, fmt.Errorf("venue: read %s response: %w", path, readErr)
		}

		switch {
		case resp.StatusCode < 300:
			return respBody, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &APIError{Status: resp.StatusCode, Endpoint: path, Reason: string(respBody), Retryable: true}
			if attempt < maxAttempts {
				if !sleepCtx(ctx, time.Duration(attempt)*2*time.Second) {
					return nil, ctx.Err()
				}
				continue
			}
		case resp.StatusCode >= 500:
			lastErr = &APIError{Status: resp.StatusCode, Endpoint: path, Reason: string(respBody), Retryable: true}
			if attempt < maxAttempts {
				if !sleepCtx(ctx, 1*time.Second) {
					return nil, ctx.Err()
				}
				continue
			}
		default:
			return nil, &APIError{Status: resp.StatusCode, Endpoint: path, Reason: string(respBody), Retryable: false}
		}
	}

	return nil, lastErr
}

// signRequest attaches the L2 HMAC headers. With an incomplete credential
// set the request goes out unsigned; the venue will answer 401.
func (c *Client) signRequest(ctx context.Context, req *http.Request, method, path string, body []byte) {
	if c.creds == nil {
		log.Printf("[Venue] no credentials provider, sending %s %s unsigned", method, path)
		return
	}
	creds, err := c.creds(ctx)
	if err != nil || !creds.Configured() {
		log.Printf("[Venue] credentials not configured, sending %s %s unsigned", method, path)
		return
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path
	if body != nil {
		message += string(body)
	}

	address := creds.SignerAddress
	if address == "" {
		address = creds.WalletAddress
	}

	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, creds.APISecret))
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
}

// hmacSign computes base64url(HMAC-SHA256(secret, message)). The secret is
// decoded as URL-safe base64, falling back to standard base64, then to the
// raw bytes.
func hmacSign(message, secret string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func (c *Client) credentials(ctx context.Context) (models.Credentials, error) {
	if c.creds == nil {
		return models.Credentials{}, ErrNotConfigured
	}
	creds, err := c.creds(ctx)
	if err != nil {
		return models.Credentials{}, err
	}
	if !creds.Configured() {
		return models.Credentials{}, ErrNotConfigured
	}
	return creds, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
