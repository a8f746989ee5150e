package secrets

import "sync"

// NoopStore is a no-op implementation of SecretStore for unsupported platforms.
// All operations return ErrNotSupported, and IsSupported returns false.
type NoopStore struct{}

func (n *NoopStore) Get(service, account string) (string, error) {
	return "", ErrNotSupported
}

func (n *NoopStore) Set(service, account, secret string) error {
	return ErrNotSupported
}

func (n *NoopStore) Delete(service, account string) error {
	return ErrNotSupported
}

func (n *NoopStore) IsSupported() bool {
	return false
}

// MemoryStore keeps credentials in memory. It is used by tests and by
// callers that want an ephemeral store.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func memoryKey(service, account string) string {
	return service + "\x00" + account
}

func (m *MemoryStore) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[memoryKey(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[memoryKey(service, account)] = secret
	return nil
}

func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(service, account)
	if _, ok := m.secrets[k]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, k)
	return nil
}

func (m *MemoryStore) IsSupported() bool {
	return true
}
