package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"alertsync/internal/apperr"
)

// AppCredentials - учетные данные GitHub App: {app_id, private_key, installation_id}.
type AppCredentials struct {
	AppID          int64
	PrivateKey     []byte
	InstallationID int64
}

// WebhookSecret - общий токен вебхука: {shared_token}.
type WebhookSecret struct {
	SharedToken string `json:"shared_token"`
}

// flexInt принимает число как JSON number или строку.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = flexInt(v)
	return nil
}

// DecodeAppCredentials разбирает запись с учетными данными GitHub App.
// private_key допускается как PEM или как PEM в base64.
func DecodeAppCredentials(raw []byte) (*AppCredentials, error) {
	var wire struct {
		AppID          flexInt `json:"app_id"`
		PrivateKey     string  `json:"private_key"`
		InstallationID flexInt `json:"installation_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode app credentials: %w", err)
	}
	switch {
	case wire.AppID == 0:
		return nil, fmt.Errorf("decode app credentials: app_id is empty")
	case wire.InstallationID == 0:
		return nil, fmt.Errorf("decode app credentials: installation_id is empty")
	case wire.PrivateKey == "":
		return nil, fmt.Errorf("decode app credentials: private_key is empty")
	}

	key := []byte(wire.PrivateKey)
	if !strings.Contains(wire.PrivateKey, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(wire.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("decode app credentials: private_key is neither PEM nor base64")
		}
		key = decoded
	}
	return &AppCredentials{
		AppID:          int64(wire.AppID),
		PrivateKey:     key,
		InstallationID: int64(wire.InstallationID),
	}, nil
}

// DecodeWebhookSecret разбирает запись общего токена. Допускается и голая строка.
func DecodeWebhookSecret(raw []byte) (*WebhookSecret, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return nil, fmt.Errorf("decode webhook secret: empty value")
		}
		return &WebhookSecret{SharedToken: trimmed}, nil
	}
	var s WebhookSecret
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	if s.SharedToken == "" {
		return nil, fmt.Errorf("decode webhook secret: shared_token is empty")
	}
	return &s, nil
}

// AppCredentials загружает и разбирает учетные данные GitHub App.
func (p *Provider) AppCredentials(ctx context.Context, secretID string) (*AppCredentials, error) {
	raw, err := p.Get(ctx, secretID)
	if err != nil {
		return nil, err
	}
	creds, err := DecodeAppCredentials(raw)
	if err != nil {
		return nil, apperr.Permanent("secret "+secretID, err)
	}
	return creds, nil
}

// WebhookToken загружает общий токен вебхука.
func (p *Provider) WebhookToken(ctx context.Context, secretID string) (string, error) {
	raw, err := p.Get(ctx, secretID)
	if err != nil {
		return "", err
	}
	s, err := DecodeWebhookSecret(raw)
	if err != nil {
		return "", apperr.Permanent("secret "+secretID, err)
	}
	return s.SharedToken, nil
}
