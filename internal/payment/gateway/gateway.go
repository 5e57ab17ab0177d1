package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukahq/duka/internal/config"
	"github.com/dukahq/duka/internal/payment/domain"
	"go.uber.org/zap"
)

// Client talks to the external mobile-money push-payment API. Token
// acquisition is cached and refreshed once on a 401.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortCode      string
	callbackURL    string
	httpClient     *http.Client
	log            *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func New(cfg config.Config, log *zap.Logger) domain.Gateway {
	timeout := time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.Gateway.BaseURL, "/"),
		consumerKey:    cfg.Gateway.ConsumerKey,
		consumerSecret: cfg.Gateway.ConsumerSecret,
		shortCode:      cfg.Gateway.ShortCode,
		callbackURL:    cfg.Gateway.CallbackURL,
		httpClient:     &http.Client{Timeout: timeout},
		log:            log.Named("payment.gateway"),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/token?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: undecodable token response", domain.ErrGatewayUnavailable)
	}

	// Renew a little early so an in-flight request never carries a token that
	// expires mid-call.
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(ttl - 30*time.Second)

	return c.accessToken, nil
}

type pushRequestBody struct {
	ShortCode   string `json:"short_code"`
	Msisdn      string `json:"msisdn"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
}

type pushResponseBody struct {
	RequestID string `json:"request_id"`
}

type gatewayErrorBody struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (c *Client) PushPayment(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	body := pushRequestBody{
		ShortCode:   c.shortCode,
		Msisdn:      req.Msisdn,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: c.callbackURL,
	}

	resp, raw, err := c.doAuthorized(ctx, http.MethodPost, "/payments/push", body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out pushResponseBody
		if err := json.Unmarshal(raw, &out); err != nil || out.RequestID == "" {
			return nil, fmt.Errorf("%w: undecodable push response", domain.ErrGatewayUnavailable)
		}
		return &domain.PushResponse{GatewayRequestID: out.RequestID}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: push returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	default:
		var gwErr gatewayErrorBody
		_ = json.Unmarshal(raw, &gwErr)
		if gwErr.Message == "" {
			gwErr.Message = "status " + strconv.Itoa(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, gwErr.Message)
	}
}

type statusResponseBody struct {
	RequestID         string `json:"request_id"`
	Status            string `json:"status"`
	ResultCode        *int64 `json:"result_code"`
	ResultDescription string `json:"result_description"`
}

func (c *Client) QueryStatus(ctx context.Context, gatewayRequestID string) (*domain.GatewayResult, error) {
	resp, raw, err := c.doAuthorized(ctx, http.MethodGet, "/payments/status/"+gatewayRequestID, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status query returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	result := domain.GatewayResult{Kind: domain.ResultMalformed, GatewayRequestID: gatewayRequestID, Raw: raw}

	var out statusResponseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return &result, nil
	}

	switch {
	case strings.EqualFold(out.Status, "pending"):
		result.Kind = domain.ResultPending
	case out.ResultCode == nil:
		// completed without a result code is not trustworthy
	case *out.ResultCode == 0:
		result.Kind = domain.ResultSuccess
		result.Code = strconv.FormatInt(*out.ResultCode, 10)
		result.Description = out.ResultDescription
	default:
		result.Kind = domain.ResultFailure
		result.Code = strconv.FormatInt(*out.ResultCode, 10)
		result.Description = out.ResultDescription
	}
	return &result, nil
}

// doAuthorized performs one authorized call, refreshing the cached token and
// retrying exactly once when the gateway answers 401.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	resp, raw, err := c.doOnce(ctx, method, path, body, false)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Debug("access token rejected, refreshing", zap.String("path", path))
		resp, raw, err = c.doOnce(ctx, method, path, body, true)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, fmt.Errorf("%w: credentials rejected", domain.ErrGatewayUnavailable)
		}
	}
	return resp, raw, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, forceToken bool) (*http.Response, []byte, error) {
	token, err := c.token(ctx, forceToken)
	if err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading response: %v", domain.ErrGatewayUnavailable, err)
	}
	return resp, raw, nil
}
