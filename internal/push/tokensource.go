package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = 1 * time.Hour

	// tokenRefreshMargin renews the cached bearer before it actually
	// expires, so an in-flight push never rides a dying token.
	tokenRefreshMargin = 60 * time.Second
)

// TokenSource yields a bearer token for the push provider API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ServiceAccount is the signing identity for the provider's OAuth
// jwt-bearer exchange.
type ServiceAccount struct {
	Email      string
	PrivateKey *rsa.PrivateKey

	// TokenURL receives the signed assertion; it doubles as the assertion
	// audience.
	TokenURL string
}

// ParsePrivateKey decodes a PEM-encoded RSA signing key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return key, nil
}

// AssertionTokenSource exchanges a signed RS256 assertion for a bearer token
// and caches it until shortly before expiry. Refresh is single flight: the
// mutex is held across the exchange so concurrent pushes share one request.
type AssertionTokenSource struct {
	account ServiceAccount
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	cached string
	expiry time.Time
}

func NewAssertionTokenSource(account ServiceAccount, client *http.Client) (*AssertionTokenSource, error) {
	if account.Email == "" || account.PrivateKey == nil || account.TokenURL == "" {
		return nil, fmt.Errorf("service account requires email, key and token url")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AssertionTokenSource{account: account, client: client, now: time.Now}, nil
}

func (s *AssertionTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Before(s.expiry.Add(-tokenRefreshMargin)) {
		return s.cached, nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", err
	}
	token, expiresIn, err := s.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}
	s.cached = token
	s.expiry = s.now().Add(expiresIn)
	return token, nil
}

func (s *AssertionTokenSource) signAssertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.account.Email,
		"aud": s.account.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.account.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign push assertion: %w", err)
	}
	return assertion, nil
}

func (s *AssertionTokenSource) exchange(ctx context.Context, assertion string) (string, time.Duration, error) {
	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.account.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, body)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", 0, fmt.Errorf("token exchange: %w", err)
	}
	if grant.AccessToken == "" {
		return "", 0, fmt.Errorf("token exchange: empty access token")
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = 3600
	}
	return grant.AccessToken, time.Duration(grant.ExpiresIn) * time.Second, nil
}
