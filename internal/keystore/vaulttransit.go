package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// VaultTransitKeySource wraps the local vault file's key with a
// wrapping key derived from a HashiCorp Vault transit engine instead
// of a local password, for deployments that centralize key management.
// The transit engine's "datakey" endpoint returns a fresh data key
// sealed under the transit key named by KeyName; that plaintext data
// key becomes the vault file's wrapping key. The vault file format is
// unaffected — only where the wrapping key comes from changes.
type VaultTransitKeySource struct {
	client    *vaultapi.Client
	mountPath string
	keyName   string
	logger    *log.Logger
}

// NewVaultTransitKeySource connects to a Vault server at addr,
// authenticating with token, and targets the transit engine mounted at
// mountPath (typically "transit") using the named key.
func NewVaultTransitKeySource(addr, token, mountPath, keyName string) (*VaultTransitKeySource, error) {
	cfg := &vaultapi.Config{Address: addr}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "create vault client", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, errkind.Wrap(errkind.Storage, "connect to vault", err)
	}

	return &VaultTransitKeySource{
		client:    client,
		mountPath: mountPath,
		keyName:   keyName,
		logger:    log.New(os.Stdout, "[VAULT-TRANSIT] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// WrapKey asks the transit engine to derive a data key for this vault
// salt, using salt as additional authenticated context so two vault
// files never share a wrapping key even under the same transit key.
func (v *VaultTransitKeySource) WrapKey(salt []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/datakey/plaintext/%s", v.mountPath, v.keyName)
	secret, err := v.client.Logical().WriteWithContext(context.Background(), path, map[string]interface{}{
		"context": base64.StdEncoding.EncodeToString(salt),
		"bits":    256,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "request vault transit data key", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errkind.New(errkind.Storage, "vault transit returned no data key")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errkind.New(errkind.Storage, "vault transit response missing plaintext field")
	}
	key, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "decode vault transit data key", err)
	}
	v.logger.Printf("derived vault wrapping key from transit key %q", v.keyName)
	return key, nil
}
