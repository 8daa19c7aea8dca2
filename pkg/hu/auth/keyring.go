package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keychain service tokens are stored under.
const KeyringService = "hu"

// KeyringStore keeps each provider's TokenSet as a JSON secret in the OS
// keychain, keyed by provider name.
type KeyringStore struct {
	Service string
}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{Service: KeyringService}
}

func (s *KeyringStore) service() string {
	if s.Service == "" {
		return KeyringService
	}
	return s.Service
}

func (s *KeyringStore) Load(provider string) (*TokenSet, bool, error) {
	secret, err := keyring.Get(s.service(), provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s token from keychain: %w", provider, err)
	}
	var token TokenSet
	if err := json.Unmarshal([]byte(secret), &token); err != nil {
		return nil, false, fmt.Errorf("failed to parse %s token from keychain: %w", provider, err)
	}
	if token.AccessToken == "" {
		return nil, false, nil
	}
	return &token, true, nil
}

func (s *KeyringStore) Save(provider string, token TokenSet) error {
	secret, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := keyring.Set(s.service(), provider, string(secret)); err != nil {
		return fmt.Errorf("failed to write %s token to keychain: %w", provider, err)
	}
	return nil
}

func (s *KeyringStore) Delete(provider string) error {
	if err := keyring.Delete(s.service(), provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete %s token from keychain: %w", provider, err)
	}
	return nil
}
