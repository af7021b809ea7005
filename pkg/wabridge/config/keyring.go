package config

import (
	"github.com/zalando/go-keyring"
)

const (
	keyringService      = "wabridge"
	keyringGatewayToken = "gateway_token"

	// GatewayTokenEnv overrides the gateway token from config.
	GatewayTokenEnv = "WABRIDGE_GATEWAY_TOKEN"
)

// StoreGatewayToken saves the gateway token to the OS keyring.
func StoreGatewayToken(token string) error {
	return keyring.Set(keyringService, keyringGatewayToken, token)
}

// DeleteGatewayToken removes the gateway token from the OS keyring.
func DeleteGatewayToken() error {
	return keyring.Delete(keyringService, keyringGatewayToken)
}

// GetKeyring retrieves a secret from the OS keyring. Returns an empty
// string if missing or if no keyring is available.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}
