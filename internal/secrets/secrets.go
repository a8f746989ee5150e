// Package secrets stores sdlink credentials: the server password and the
// model hub tokens used for downloads.
// On macOS, credentials are stored in the system Keychain. On other
// platforms a no-op store is used and credentials come from the config
// file or the environment instead.
package secrets

import (
	"errors"
	"net/url"
	"sync"
)

// ServiceName is the keychain service for sdlink credentials.
const ServiceName = "sdlink"

// Account names for model hub tokens.
const (
	AccountCivitaiToken = "civitai-token"
	AccountHFToken      = "huggingface-token"
)

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set creates or replaces a credential.
	Set(service, account, secret string) error

	// Delete returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

var (
	// store is set by the platform-specific init() function.
	store   SecretStore
	storeMu sync.RWMutex
)

// Default returns the SecretStore for the current platform.
// It never returns nil.
func Default() SecretStore {
	storeMu.RLock()
	defer storeMu.RUnlock()
	if store == nil {
		return &NoopStore{}
	}
	return store
}

// SetDefault replaces the store returned by Default and returns a function
// restoring the previous one.
func SetDefault(s SecretStore) (restore func()) {
	storeMu.Lock()
	prev := store
	store = s
	storeMu.Unlock()
	return func() {
		storeMu.Lock()
		store = prev
		storeMu.Unlock()
	}
}

// IsSupported returns true if secure credential storage is available.
func IsSupported() bool {
	return Default().IsSupported()
}

// PasswordAccount returns the account name under which the password for
// endpoint is stored. Passwords are keyed by host so that ws:// and wss://
// URLs of the same server share one entry.
func PasswordAccount(endpoint string) string {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return "password:" + host
}

// GetPassword returns the stored password for endpoint.
func GetPassword(endpoint string) (string, error) {
	return Default().Get(ServiceName, PasswordAccount(endpoint))
}

// SetPassword stores the password for endpoint.
func SetPassword(endpoint, password string) error {
	return Default().Set(ServiceName, PasswordAccount(endpoint), password)
}

// DeletePassword removes the stored password for endpoint.
func DeletePassword(endpoint string) error {
	return Default().Delete(ServiceName, PasswordAccount(endpoint))
}

// GetToken returns a hub token (AccountCivitaiToken or AccountHFToken).
func GetToken(account string) (string, error) {
	return Default().Get(ServiceName, account)
}

// SetToken stores a hub token.
func SetToken(account, token string) error {
	return Default().Set(ServiceName, account, token)
}

// DeleteToken removes a hub token.
func DeleteToken(account string) error {
	return Default().Delete(ServiceName, account)
}
