package keystore

import (
	wcrypto "github.com/kaelmesh/whisperlink/internal/crypto"
)

// PasswordKeySource is the normative VaultKeySource: the wrapping key
// is Argon2id(password, salt) with the configured cost parameters.
type PasswordKeySource struct {
	Password string
	Params   wcrypto.Argon2Params
}

// NewPasswordKeySource builds a PasswordKeySource using the spec's
// default Argon2id cost (m=64MiB, t=3, p=4, L=32).
func NewPasswordKeySource(password string) PasswordKeySource {
	return PasswordKeySource{Password: password, Params: wcrypto.DefaultArgon2Params()}
}

// WrapKey derives the vault wrapping key from the password and salt.
func (s PasswordKeySource) WrapKey(salt []byte) ([]byte, error) {
	return wcrypto.DeriveVaultKey(s.Password, salt, s.Params), nil
}
