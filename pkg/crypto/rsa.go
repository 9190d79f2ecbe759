package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// RSA-2048 modulus size in bytes.
const RSA2048Size = 0x100

// Archive signatures all use the fixed public exponent 0x010001.
const rsaPublicExponent = 0x010001

// VerifyPSS2048 verifies an RSA-2048-PSS-SHA-256 signature over data with
// the given 256-byte modulus. The salt length equals the digest size.
func VerifyPSS2048(modulus, data, signature []byte) error {
	if len(modulus) != RSA2048Size {
		return fmt.Errorf("modulus must be %d bytes, got %d", RSA2048Size, len(modulus))
	}
	if len(signature) != RSA2048Size {
		return fmt.Errorf("signature must be %d bytes, got %d", RSA2048Size, len(signature))
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: rsaPublicExponent,
	}

	digest := sha256.Sum256(data)
	opts := &rsa.PSSOptions{
		SaltLength: SHA256Size,
		Hash:       crypto.SHA256,
	}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, opts)
}
