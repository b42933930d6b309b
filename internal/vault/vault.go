// Package vault stores credential material behind opaque references. Callers
// keep the SecretRef on their own records and never derive it from other ids.
package vault

import (
	"context"
	"errors"
	"strings"
	"sync"

	"jirasync.io/internal/ids"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrEmptySecret    = errors.New("secret value is empty")
)

// SecretRef identifies one stored secret. The zero value refers to nothing.
type SecretRef struct {
	ID string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r SecretRef) IsZero() bool { return strings.TrimSpace(r.ID) == "" }

func (r SecretRef) String() string { return r.ID }

// Vault is the secret-storage collaborator.
type Vault interface {
	Store(ctx context.Context, value string) (SecretRef, error)
	Fetch(ctx context.Context, ref SecretRef) (string, error)
	Delete(ctx context.Context, ref SecretRef) error
}

// NewRef issues a fresh reference for implementations that persist secrets.
func NewRef() SecretRef {
	return SecretRef{ID: ids.NewPrefixed("sec")}
}

// InMemory keeps secrets in process memory.
type InMemory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{secrets: make(map[string]string)}
}

func (v *InMemory) Store(ctx context.Context, value string) (SecretRef, error) {
	if value == "" {
		return SecretRef{}, ErrEmptySecret
	}
	ref := NewRef()
	v.mu.Lock()
	v.secrets[ref.ID] = value
	v.mu.Unlock()
	return ref, nil
}

func (v *InMemory) Fetch(ctx context.Context, ref SecretRef) (string, error) {
	if ref.IsZero() {
		return "", ErrSecretNotFound
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[ref.ID]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Delete is idempotent: unknown references are ignored.
func (v *InMemory) Delete(ctx context.Context, ref SecretRef) error {
	if ref.IsZero() {
		return nil
	}
	v.mu.Lock()
	delete(v.secrets, ref.ID)
	v.mu.Unlock()
	return nil
}

// Len reports the number of stored secrets.
func (v *InMemory) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.secrets)
}
