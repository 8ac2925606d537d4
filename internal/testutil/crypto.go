package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailsync/internal/crypto"
)

// GetTestVault creates a vault with a deterministic server secret for testing.
func GetTestVault(t *testing.T) *crypto.Vault {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	vault, err := crypto.NewVault(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	return vault
}
