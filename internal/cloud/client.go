package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Base URLs and brokers per region.
const (
	BaseURLGlobal = "https://api.bambulab.com"
	BaseURLChina  = "https://api.bambulab.cn"

	BrokerGlobal = "us.mqtt.bambulab.com"
	BrokerChina  = "cn.mqtt.bambulab.com"

	// RegionChina selects the mainland endpoints. Anything else is global.
	RegionChina = "china"
)

const (
	pathLogin        = "/v1/user-service/user/login"
	pathTFALogin     = "/v1/user-service/user/tfa/login"
	pathEmailCode    = "/v1/user-service/user/sendemail/code"
	pathRefreshToken = "/v1/user-service/user/refreshtoken"

	maxResponseSize = 1 << 20
)

// Login types returned instead of a token.
const (
	loginTypeVerifyCode = "verifyCode"
	loginTypeTFA        = "tfa"
)

// Error codes returned with HTTP 400 for an email code login.
const (
	codeExpired   = 1
	codeIncorrect = 2
)

// BaseURL returns the REST base URL for region.
func BaseURL(region string) string {
	if strings.EqualFold(region, RegionChina) {
		return BaseURLChina
	}
	return BaseURLGlobal
}

// BrokerHost returns the MQTT broker for region.
func BrokerHost(region string) string {
	if strings.EqualFold(region, RegionChina) {
		return BrokerChina
	}
	return BrokerGlobal
}

// TokenResponse is the token part of a login or refresh response.
type TokenResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        int64  `json:"expiresIn"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn"`
}

// LoginResponse is a password login response. Either AccessToken is set or
// LoginType names the extra step required.
type LoginResponse struct {
	TokenResponse
	LoginType string `json:"loginType"`
	TFAKey    string `json:"tfaKey"`
}

// API is the REST surface the Provider needs.
type API interface {
	Login(ctx context.Context, account, password string) (LoginResponse, error)
	LoginWithCode(ctx context.Context, account, code string) (TokenResponse, error)
	LoginWithTFA(ctx context.Context, tfaKey, code string) (TokenResponse, error)
	RequestEmailCode(ctx context.Context, account string) error
	RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error)
}

// HTTPClient calls the cloud REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL with a bounded request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Login submits account and password.
func (c *HTTPClient) Login(ctx context.Context, account, password string) (LoginResponse, error) {
	var out LoginResponse
	body := map[string]string{"account": account, "password": password, "apiError": ""}
	if _, err := c.post(ctx, pathLogin, body, &out, false); err != nil {
		return LoginResponse{}, err
	}
	return out, nil
}

// LoginWithCode submits an emailed verification code.
func (c *HTTPClient) LoginWithCode(ctx context.Context, account, code string) (TokenResponse, error) {
	var out struct {
		TokenResponse
		Code int `json:"code"`
	}
	status, err := c.post(ctx, pathLogin, map[string]string{"account": account, "code": code}, &out, true)
	if err != nil {
		return TokenResponse{}, err
	}
	if status == http.StatusBadRequest {
		switch out.Code {
		case codeExpired:
			return TokenResponse{}, ErrCodeExpired
		case codeIncorrect:
			return TokenResponse{}, ErrCodeIncorrect
		default:
			return TokenResponse{}, fmt.Errorf("%w: code login status 400 code %d", ErrUnexpectedResponse, out.Code)
		}
	}
	return out.TokenResponse, nil
}

// LoginWithTFA submits a two-factor code for the key from Login. The token
// arrives either as a cookie or in the body.
func (c *HTTPClient) LoginWithTFA(ctx context.Context, tfaKey, code string) (TokenResponse, error) {
	req, err := c.newRequest(ctx, pathTFALogin, map[string]string{"tfaKey": tfaKey, "tfaCode": code})
	if err != nil {
		return TokenResponse{}, err
	}
	resp, body, err := c.do(req, false)
	if err != nil {
		return TokenResponse{}, err
	}

	var out TokenResponse
	for _, ck := range resp.Cookies() {
		if ck.Name == "token" && ck.Value != "" {
			out.AccessToken = ck.Value
		}
	}
	if out.AccessToken == "" {
		if err := json.Unmarshal(body, &out); err != nil {
			return TokenResponse{}, fmt.Errorf("%w: decoding tfa response: %w", ErrUnexpectedResponse, err)
		}
	}
	if out.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: tfa response without token", ErrUnexpectedResponse)
	}
	return out, nil
}

// RequestEmailCode asks the cloud to email a login code to account.
func (c *HTTPClient) RequestEmailCode(ctx context.Context, account string) error {
	_, err := c.post(ctx, pathEmailCode, map[string]string{"email": account, "type": "codeLogin"}, nil, false)
	return err
}

// RefreshToken exchanges a refresh token for a new pair.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	var out TokenResponse
	if _, err := c.post(ctx, pathRefreshToken, map[string]string{"refreshToken": refreshToken}, &out, false); err != nil {
		return TokenResponse{}, err
	}
	if out.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: refresh response without token", ErrUnexpectedResponse)
	}
	return out, nil
}

// post sends a JSON body and decodes the JSON response into out when out is
// non-nil. With allow400 a 400 response is decoded and returned instead of
// being treated as an error.
func (c *HTTPClient) post(ctx context.Context, path string, in, out any, allow400 bool) (int, error) {
	req, err := c.newRequest(ctx, path, in)
	if err != nil {
		return 0, err
	}
	resp, body, err := c.do(req, allow400)
	if err != nil {
		return 0, err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding %s: %w", ErrUnexpectedResponse, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, path string, in any) (*http.Request, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bambu_network_agent/01.09.05.01")
	req.Header.Set("X-BBL-Client-Name", "OrcaSlicer")
	req.Header.Set("X-BBL-Client-Type", "slicer")
	req.Header.Set("X-BBL-Language", "en-US")
	return req, nil
}

// do executes req and classifies the status code.
func (c *HTTPClient) do(req *http.Request, allow400 bool) (*http.Response, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(string(body)), "cloudflare"):
		return nil, nil, ErrBlocked
	case resp.StatusCode == http.StatusBadRequest && allow400:
		return resp, body, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, nil, fmt.Errorf("%w: %s status %d", ErrUnexpectedResponse, req.URL.Path, resp.StatusCode)
	}
	return resp, body, nil
}
