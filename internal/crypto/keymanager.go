package crypto

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrKeyNotFound indicates no key with the requested id is registered.
var ErrKeyNotFound = errors.New("encryption key not found")

// KeyManager holds derived encryption keys in memory. Multiple keys may
// coexist; exactly one default is used unless a specific key id is supplied.
type KeyManager struct {
	mu        sync.RWMutex
	keys      map[string]*Key
	defaultID string
	logger    zerolog.Logger
}

// NewKeyManager creates an empty KeyManager.
func NewKeyManager(logger zerolog.Logger) *KeyManager {
	return &KeyManager{
		keys:   make(map[string]*Key),
		logger: logger.With().Str("component", "keymanager").Logger(),
	}
}

// AddPassword derives a new key from the password with a fresh salt and
// registers it. The first registered key becomes the default.
func (km *KeyManager) AddPassword(password string) (*Key, error) {
	key, err := NewKey(password)
	if err != nil {
		return nil, err
	}
	km.add(key)
	return key, nil
}

// AddPasswordWithSalt deterministically re-derives and registers a key from
// known KDF parameters, e.g. when re-opening an encrypted archive.
func (km *KeyManager) AddPasswordWithSalt(password string, salt []byte, iterations int) *Key {
	key := NewKeyWithSalt(password, salt, iterations)
	km.add(key)
	return key
}

func (km *KeyManager) add(key *Key) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.keys[key.ID] = key
	if km.defaultID == "" {
		km.defaultID = key.ID
	}
	km.logger.Info().Str("key_id", key.ID).Int("iterations", key.Iterations).Msg("encryption key registered")
}

// Key returns the key with the given id.
func (km *KeyManager) Key(id string) (*Key, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	key, ok := km.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// DefaultKey returns the default key.
func (km *KeyManager) DefaultKey() (*Key, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.defaultID == "" {
		return nil, ErrKeyNotFound
	}
	return km.keys[km.defaultID], nil
}

// SetDefault marks the key with the given id as the default.
func (km *KeyManager) SetDefault(id string) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, ok := km.keys[id]; !ok {
		return ErrKeyNotFound
	}
	km.defaultID = id
	return nil
}

// HasKeys reports whether any key is registered.
func (km *KeyManager) HasKeys() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return len(km.keys) > 0
}
