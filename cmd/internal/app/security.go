package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const maxNotifyKeyBytes = 64

// ValidateSecurityConfig enforces the startup security policy.
// It fails fast rather than running with a weaker configuration.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := notifySigningKey(cfg); err != nil {
		return err
	}

	if cfg.RequireNotifySignature && strings.TrimSpace(cfg.NotifyEndpoint) != "" && strings.TrimSpace(cfg.NotifySigningKey) == "" {
		return errors.New("security policy: TASKCHAT_REQUIRE_NOTIFY_SIGNATURE=true but TASKCHAT_NOTIFY_SIGNING_KEY is missing")
	}

	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return errors.New("security policy: CORS credentials cannot be combined with a \"*\" origin")
			}
		}
	}

	if cfg.WSTrustHelloIdentity && !cfg.WSDevInsecure {
		return errors.New("security policy: TASKCHAT_WS_TRUST_HELLO_IDENTITY requires TASKCHAT_WS_DEV_INSECURE")
	}

	return nil
}

// notifySigningKey decodes the hex signing key. Empty means unsigned.
func notifySigningKey(cfg Config) ([]byte, error) {
	raw := strings.TrimSpace(cfg.NotifySigningKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.New("security policy: TASKCHAT_NOTIFY_SIGNING_KEY must be hex encoded")
	}
	if len(key) < 16 || len(key) > maxNotifyKeyBytes {
		return nil, fmt.Errorf("security policy: TASKCHAT_NOTIFY_SIGNING_KEY must be 16..%d bytes, got %d", maxNotifyKeyBytes, len(key))
	}
	return key, nil
}
