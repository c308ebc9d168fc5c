package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvBackend читает секрет из переменной окружения Prefix + ID в верхнем регистре,
// где все символы кроме букв и цифр заменены на "_".
// Например, "alertsync/github-app" -> ALERTSYNC_SECRET_ALERTSYNC_GITHUB_APP.
type EnvBackend struct {
	Prefix string
}

func (b EnvBackend) Fetch(_ context.Context, secretID string) ([]byte, error) {
	name := b.Prefix + envName(secretID)
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("%s (env %s): %w", secretID, name, ErrNotFound)
	}
	return []byte(v), nil
}

func envName(secretID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, secretID)
}
