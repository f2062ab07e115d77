package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
)

// SignatureAlgorithm is used for every certificate and CRL the authority signs.
const SignatureAlgorithm = x509.SHA256WithRSA

// Sign finalizes draft. A nil issuer self-signs with the draft's own key;
// otherwise issuerKey must be the issuer certificate's private key. The
// returned certificate has been verified against the signing certificate.
func Sign(draft *Draft, issuer *x509.Certificate, issuerKey crypto.Signer) (*x509.Certificate, error) {
	parent, key := issuer, issuerKey
	if issuer == nil {
		if draft.PrivateKey == nil {
			return nil, errors.New("self-signed certificate requires a generated key")
		}
		parent, key = draft.Template, draft.PrivateKey
	}
	if key == nil {
		return nil, errors.New("no signing key")
	}
	if _, ok := key.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("signing key must be RSA, got %T", key.Public())
	}

	tmpl := *draft.Template
	tmpl.SignatureAlgorithm = SignatureAlgorithm

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, parent, draft.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}

	verifier := issuer
	if verifier == nil {
		verifier = cert
	}
	if err := cert.CheckSignatureFrom(verifier); err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	return cert, nil
}
