package icrypto

import (
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

const (
	wrapKeyInfo  = "ironca:keystore-wrap:v1"
	WrapSaltSize = 16
)

// DeriveWrapKey derives the AES key that wraps a single custody secret.
// Every secret gets its own random salt, so no two entries share a key.
func DeriveWrapKey(master, salt []byte) ([]byte, error) {
	if len(master) < util.AESKeySize {
		return nil, fmt.Errorf("master key too short: %d bytes", len(master))
	}
	if len(salt) != WrapSaltSize {
		return nil, fmt.Errorf("wrap salt must be %d bytes, got %d", WrapSaltSize, len(salt))
	}
	return util.HKDF(master, salt, []byte(wrapKeyInfo))
}
