package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"jirasync.io/internal/vault"
)

// SecretStore implements vault.Vault on an encrypted table. Values are
// sealed with the secret id as additional data, so a ciphertext copied to
// another row fails to open.
type SecretStore struct {
	db     *sql.DB
	cipher *vault.Cipher
}

var _ vault.Vault = (*SecretStore)(nil)

func (s *SecretStore) Store(ctx context.Context, value string) (vault.SecretRef, error) {
	if s.db == nil {
		return vault.SecretRef{}, errNoDB
	}
	if strings.TrimSpace(value) == "" {
		return vault.SecretRef{}, vault.ErrEmptySecret
	}
	ref := vault.NewRef()
	sealed, err := s.cipher.Seal(value, ref.ID)
	if err != nil {
		return vault.SecretRef{}, fmt.Errorf("seal secret: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `insert into secrets (id, ciphertext) values ($1, $2)`, ref.ID, sealed); err != nil {
		return vault.SecretRef{}, err
	}
	return ref, nil
}

func (s *SecretStore) Fetch(ctx context.Context, ref vault.SecretRef) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	if ref.IsZero() {
		return "", vault.ErrSecretNotFound
	}
	var sealed string
	err := s.db.QueryRowContext(ctx, `select ciphertext from secrets where id = $1`, ref.ID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vault.ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	value, err := s.cipher.Open(sealed, ref.ID)
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", ref.ID, err)
	}
	return value, nil
}

// Delete is idempotent.
func (s *SecretStore) Delete(ctx context.Context, ref vault.SecretRef) error {
	if s.db == nil {
		return errNoDB
	}
	if ref.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `delete from secrets where id = $1`, ref.ID)
	return err
}
