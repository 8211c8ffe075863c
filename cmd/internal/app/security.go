package app

import "errors"

// Minimum HMAC-SHA256 secret length, measured in bytes (the key is used as
// raw bytes, so runes are irrelevant).
const minTokenSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast is intentional: a server that silently accepts unverifiable
// sign-in tokens is worse than one that refuses to boot.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.TokenSecret == "" {
		return errors.New("security policy: PARLEY_TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < minTokenSecretBytes {
		return errors.New("security policy: PARLEY_TOKEN_SECRET is too short (min 32 bytes)")
	}
	return nil
}
