package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

const secretRefVer = 1

// SecretRef is the opaque, persistable handle to a wrapped entry password.
type SecretRef string

type secretRefDoc struct {
	Ver      int               `json:"ver"`
	Salt     []byte            `json:"salt"`
	Envelope *storage.Envelope `json:"envelope"`
}

// Wrapper seals entry passwords under keys derived from a master secret.
// The master secret is held in a memguard Enclave and only decrypted for
// the duration of a single derivation.
type Wrapper struct {
	master *memguard.Enclave
}

// NewWrapper takes ownership of master (32 bytes) and wipes the caller's copy.
func NewWrapper(master []byte) (*Wrapper, error) {
	if len(master) != util.AESKeySize {
		util.WipeBytes(master)
		return nil, fmt.Errorf("master key must be %d bytes, got %d", util.AESKeySize, len(master))
	}
	return &Wrapper{master: memguard.NewEnclave(master)}, nil
}

// NewWrapperFromPassphrase derives the master secret from passphrase with argon2id.
// Zero params select the moderate profile.
func NewWrapperFromPassphrase(passphrase string, salt []byte, params util.Argon2idParams) (*Wrapper, error) {
	if passphrase == "" {
		return nil, errors.New("empty master passphrase")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("master salt must be at least 16 bytes, got %d", len(salt))
	}
	if params == (util.Argon2idParams{}) {
		params = util.DefaultArgon2idParams()
	}
	master, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	return NewWrapper(master)
}

// Wrap seals secret for alias. The result cannot be opened for another alias.
func (w *Wrapper) Wrap(alias string, secret []byte) (SecretRef, error) {
	salt, err := util.RandomBytes(icrypto.WrapSaltSize)
	if err != nil {
		return "", err
	}
	key, err := w.deriveKey(salt)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	env, err := storage.Seal(key, secret, icrypto.AADCustodyWrap(alias, secretRefVer))
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	raw, err := json.Marshal(secretRefDoc{Ver: secretRefVer, Salt: salt, Envelope: env})
	if err != nil {
		return "", err
	}
	return SecretRef(base64.StdEncoding.EncodeToString(raw)), nil
}

// Unwrap opens ref for alias.
func (w *Wrapper) Unwrap(alias string, ref SecretRef) ([]byte, error) {
	if ref == "" {
		return nil, errors.New("empty secret reference")
	}
	raw, err := base64.StdEncoding.DecodeString(string(ref))
	if err != nil {
		return nil, fmt.Errorf("decoding secret reference: %w", err)
	}
	var doc secretRefDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing secret reference: %w", err)
	}
	if doc.Ver != secretRefVer {
		return nil, fmt.Errorf("unsupported secret reference version: %d", doc.Ver)
	}
	key, err := w.deriveKey(doc.Salt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	return storage.Open(key, doc.Envelope, icrypto.AADCustodyWrap(alias, secretRefVer))
}

func (w *Wrapper) deriveKey(salt []byte) ([]byte, error) {
	buf, err := w.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return icrypto.DeriveWrapKey(buf.Bytes(), salt)
}
