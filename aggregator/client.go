package aggregator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Aggregator endpoints, relative to the configured base URL.
const (
	openSessionEndpoint  = "/v1/sessions/open"
	exchangeEndpoint     = "/v1/tokens/exchange"
	balancesEndpoint     = "/v1/balances"
	transactionsEndpoint = "/v1/transactions"
	challengeEndpoint    = "/v1/challenges/respond"
	discardEndpoint      = "/v1/sessions/discard"
)

// HTTPClient talks to the aggregator over HTTPS. Interactive calls get the
// short timeout, bulk fetches the long one. Transient failures are retried
// with exponential backoff up to the configured attempt budget; auth and
// fatal failures are surfaced immediately.
type HTTPClient struct {
	BaseURL            string
	APIKey             string
	Logger             *logrus.Logger
	InteractiveTimeout time.Duration
	BulkTimeout        time.Duration
	RetryBase          time.Duration
	MaxAttempts        int

	client *http.Client
}

// NewHTTPClient builds a client with the given budgets. Zero durations fall
// back to the recommended 30s/120s and a 3-attempt, 2s-base retry budget.
func NewHTTPClient(baseURL, apiKey string, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		BaseURL:            strings.TrimRight(baseURL, "/"),
		APIKey:             apiKey,
		Logger:             logger,
		InteractiveTimeout: 30 * time.Second,
		BulkTimeout:        120 * time.Second,
		RetryBase:          2 * time.Second,
		MaxAttempts:        3,
		client:             &http.Client{},
	}
}

func (c *HTTPClient) log() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

type openSessionRequest struct {
	Products []string `json:"products"`
}

type openSessionResponse struct {
	Token string `json:"token"`
}

func (c *HTTPClient) OpenSession(ctx context.Context, products []string) (string, error) {
	var res openSessionResponse
	err := c.call(ctx, openSessionEndpoint, openSessionRequest{Products: products}, &res, c.InteractiveTimeout)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

type exchangeRequest struct {
	PublicToken string `json:"public_token"`
}

func (c *HTTPClient) ExchangeToken(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	var res ExchangeResult
	if err := c.call(ctx, exchangeEndpoint, exchangeRequest{PublicToken: publicToken}, &res, c.InteractiveTimeout); err != nil {
		return nil, err
	}
	return &res, nil
}

type balancesRequest struct {
	AccessRef  string   `json:"access_ref"`
	AccountIDs []string `json:"account_ids"`
}

type balancesResponse struct {
	Balances []Balance `json:"balances"`
}

func (c *HTTPClient) FetchBalances(ctx context.Context, accessRef string, accountIDs []string) ([]Balance, error) {
	var res balancesResponse
	req := balancesRequest{AccessRef: accessRef, AccountIDs: accountIDs}
	if err := c.call(ctx, balancesEndpoint, req, &res, c.InteractiveTimeout); err != nil {
		return nil, err
	}
	return res.Balances, nil
}

type transactionsRequest struct {
	AccessRef  string    `json:"access_ref"`
	AccountIDs []string  `json:"account_ids"`
	Since      time.Time `json:"since"`
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

func (c *HTTPClient) FetchTransactions(ctx context.Context, accessRef string, accountIDs []string, since time.Time) ([]Transaction, error) {
	var res transactionsResponse
	req := transactionsRequest{AccessRef: accessRef, AccountIDs: accountIDs, Since: since}
	if err := c.call(ctx, transactionsEndpoint, req, &res, c.BulkTimeout); err != nil {
		return nil, err
	}
	return res.Transactions, nil
}

type challengeRequest struct {
	SessionToken string   `json:"session_token"`
	Answers      []string `json:"answers"`
}

func (c *HTTPClient) RespondToChallenge(ctx context.Context, sessionToken string, answers []string) (*ChallengeResult, error) {
	var res ChallengeResult
	req := challengeRequest{SessionToken: sessionToken, Answers: answers}
	if err := c.call(ctx, challengeEndpoint, req, &res, c.InteractiveTimeout); err != nil {
		return nil, err
	}
	return &res, nil
}

type discardRequest struct {
	SessionToken string `json:"session_token"`
}

func (c *HTTPClient) DiscardSession(ctx context.Context, sessionToken string) error {
	return c.call(ctx, discardEndpoint, discardRequest{SessionToken: sessionToken}, &struct{}{}, c.InteractiveTimeout)
}

// wireError is the aggregator's error envelope on non-2xx responses.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call POSTs payload to endpoint and decodes the response into out. Only
// transient classifications are retried; the retry budget is MaxAttempts in
// total with exponential backoff starting at RetryBase.
func (c *HTTPClient) call(ctx context.Context, endpoint string, payload, out any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: ErrKindFatal, Code: "encode", Message: err.Error()}
	}

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		start := time.Now()
		status, err := c.doOnce(ctx, endpoint, body, out, timeout)
		recordCallMetrics(endpoint, status, err, time.Since(start))
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			c.log().WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    err.Error(),
			}).Warn("transient aggregator failure, will retry")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.RetryBase
	if policy.InitialInterval == 0 {
		policy.InitialInterval = 2 * time.Second
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
}

func (c *HTTPClient) doOnce(ctx context.Context, endpoint string, body []byte, out any, timeout time.Duration) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, &Error{Kind: ErrKindFatal, Code: "request", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		// timeouts and connection resets are retryable by contract
		return 0, &Error{Kind: ErrKindTransient, Code: "connectivity", Message: err.Error()}
	}
	defer res.Body.Close()

	responseBody, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, &Error{Kind: ErrKindTransient, Code: "read_body", Message: err.Error()}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if len(responseBody) == 0 {
			return res.StatusCode, nil
		}
		if err := json.Unmarshal(responseBody, out); err != nil {
			c.log().WithFields(logrus.Fields{
				"endpoint":     endpoint,
				"all_response": string(responseBody),
			}).Error("unparseable aggregator response")
			return res.StatusCode, &Error{Kind: ErrKindFatal, Code: "decode", Message: err.Error()}
		}
		return res.StatusCode, nil
	}

	var we wireError
	_ = json.Unmarshal(responseBody, &we)
	return res.StatusCode, classify(res.StatusCode, we)
}

// classify maps an HTTP status plus error envelope to the three-way error
// taxonomy the orchestrator branches on.
func classify(status int, we wireError) *Error {
	kind := ErrKindFatal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrKindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		kind = ErrKindTransient
	}
	code := we.Code
	if code == "" {
		code = http.StatusText(status)
	}
	return &Error{Kind: kind, Code: code, Message: we.Message}
}
