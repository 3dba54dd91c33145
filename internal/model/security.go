package model

import "time"

// WalletConfig holds the funding wallet bound to an API key.
// PrivateKey is the raw signing key; Address is optional and, when set,
// must match the derived address. The security store does not check this
// on load; the gas payer adapter rejects a mismatch when it is built for
// a funding call.
type WalletConfig struct {
	PrivateKey string `json:"privateKey"`
	Address    string `json:"address,omitempty"`
}

// APIKeyRecord is one authenticated client of the relay.
type APIKeyRecord struct {
	Key         string        `json:"key"`
	Name        string        `json:"name"`
	AllowedIPs  []string      `json:"allowedIps,omitempty"`
	Enabled     bool          `json:"enabled"`
	Description string        `json:"description,omitempty"`
	Wallet      *WalletConfig `json:"walletConfig,omitempty"`
}

// CanFund reports whether this key is able to sponsor gas transfers.
func (r *APIKeyRecord) CanFund() bool {
	return r != nil && r.Wallet != nil && r.Wallet.PrivateKey != ""
}

type SecuritySettings struct {
	RequireAPIKey              bool `json:"requireApiKey"`
	EnforceIPWhitelist         bool `json:"enforceIpWhitelist"`
	LogFailedAttempts          bool `json:"logFailedAttempts"`
	RateLimitEnabled           bool `json:"rateLimitEnabled"`
	RateLimitRequestsPerMinute int  `json:"rateLimitRequestsPerMinute"`
}

// SecurityConfig is the on-disk shape of the security config file.
type SecurityConfig struct {
	APIKeys           []APIKeyRecord   `json:"apiKeys"`
	GlobalIPWhitelist []string         `json:"globalIpWhitelist"`
	Settings          SecuritySettings `json:"settings"`
	LoadedAt          time.Time        `json:"-"`
}

// TenantContext is the request-scoped identity resolved by the auth gate.
// Wallet is nil when the key has no funding wallet bound.
type TenantContext struct {
	APIKeyName string        `json:"api_key_name"`
	ClientIP   string        `json:"client_ip"`
	Wallet     *WalletConfig `json:"-"`
}
