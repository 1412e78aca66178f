package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signer produces Kalshi RSA-PSS authentication headers.
type Signer struct {
	apiKeyID   string
	privateKey *rsa.PrivateKey
}

// NewSigner loads an RSA private key from PEM-encoded bytes.
func NewSigner(apiKeyID string, pemBytes []byte) (*Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS1 as fallback.
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		return &Signer{apiKeyID: apiKeyID, privateKey: pkcs1Key}, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	return &Signer{apiKeyID: apiKeyID, privateKey: rsaKey}, nil
}

// Headers signs timestamp + method + path and returns the authentication
// headers.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + path

	hash := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: RSA sign: %w", err)
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return h, nil
}
