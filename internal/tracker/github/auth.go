package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// tokenRotationMargin - за сколько до истечения installation token запрашивается новый.
const tokenRotationMargin = 5 * time.Minute

type authenticator interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

type tokenAuth struct {
	header string
}

func newTokenAuth(token string) *tokenAuth {
	return &tokenAuth{header: "Bearer " + token}
}

func (a *tokenAuth) AuthorizationHeader(context.Context) (string, error) {
	return a.header, nil
}

// appAuth аутентифицируется как установка GitHub App: подписывает JWT ключом
// приложения и обменивает его на installation token.
type appAuth struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	now            func() time.Time

	httpClient *http.Client
	baseURL    string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAppAuth(appID, installationID int64, privateKeyPEM []byte, now func() time.Time) (*appAuth, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &appAuth{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		now:            now,
	}, nil
}

// ParsePrivateKey разбирает PEM-ключ GitHub App в формате PKCS1 или PKCS8.
func ParsePrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("github: failed to decode PEM block from private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, fmt.Errorf("github: parsing private key: %w (also tried PKCS8: %v)", err, pkcs8Err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("github: private key is not RSA")
	}
	return rsaKey, nil
}

func (a *appAuth) AuthorizationHeader(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expiresAt.Add(-tokenRotationMargin)) {
		return "Bearer " + a.token, nil
	}

	token, expiresAt, err := a.rotate(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expiresAt = expiresAt
	return "Bearer " + token, nil
}

// rotate вызывается под a.mu.
func (a *appAuth) rotate(ctx context.Context) (string, time.Time, error) {
	jwt, err := a.generateJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: generating JWT: %w", err)
	}

	url := a.baseURL + "/app/installations/" + strconv.FormatInt(a.installationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: creating token exchange request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: token exchange request: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, parseAPIError(resp.StatusCode, data)
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", time.Time{}, fmt.Errorf("github: decoding token exchange response: %w", err)
	}
	if result.Token == "" {
		return "", time.Time{}, fmt.Errorf("github: token exchange returned empty token")
	}
	return result.Token, result.ExpiresAt, nil
}

// generateJWT подписывает RS256 JWT со сроком жизни 10 минут.
// iat сдвинут на минуту назад на случай расхождения часов.
func (a *appAuth) generateJWT() (string, error) {
	now := a.now()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))

	claims, err := json.Marshal(struct {
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
		Issuer    string `json:"iss"`
	}{
		IssuedAt:  now.Add(-60 * time.Second).Unix(),
		ExpiresAt: now.Add(10 * time.Minute).Unix(),
		Issuer:    strconv.FormatInt(a.appID, 10),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claims)
	hash := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
