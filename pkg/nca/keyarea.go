package nca

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

// SHA-256 of a V0 key area stored in plaintext. Early archives shipped
// the key area unencrypted; the hash of the stored bytes identifies them.
var nca0PlainKeyAreaHash = [32]byte{
	0x9A, 0xBB, 0xD2, 0x11, 0x86, 0x00, 0x21, 0x9D, 0x7A, 0xDC, 0x5B, 0x43, 0x95, 0xF8, 0x4E, 0xFD,
	0xFF, 0x6B, 0x25, 0xEF, 0x9F, 0x96, 0x85, 0x28, 0x18, 0x9E, 0x76, 0xB0, 0x92, 0xF0, 0x6A, 0xCB,
}

// keyAreaSlotCount returns how many 16-byte key slots the format uses:
// V0 archives only carry the XTS pair.
func (c *Context) keyAreaSlotCount() int {
	if c.Version == Version0 {
		return 2
	}
	return MaxSections
}

func (c *Context) storedKeyArea() []byte {
	stored := make([]byte, 0, MaxSections*16)
	for i := 0; i < MaxSections; i++ {
		stored = append(stored, c.Header.EncryptedKeyArea[i][:]...)
	}
	return stored
}

func (c *Context) decryptKeyArea() error {
	if c.Version == Version0 && sha256.Sum256(c.storedKeyArea()) == nca0PlainKeyAreaHash {
		// Plaintext key area, copy verbatim.
		for i := 0; i < MaxSections; i++ {
			c.decryptedKeyArea[i] = c.Header.EncryptedKeyArea[i]
		}
		return nil
	}

	var zero [16]byte
	for i := 0; i < c.keyAreaSlotCount(); i++ {
		if bytes.Equal(c.Header.EncryptedKeyArea[i][:], zero[:]) {
			c.decryptedKeyArea[i] = [16]byte{}
			continue
		}
		dec, err := c.keys.DecryptKeyAreaEntry(c.Header.KaekIndex, c.KeyGeneration, c.Header.EncryptedKeyArea[i][:])
		if err != nil {
			return fmt.Errorf("key area slot %d: %w", i, err)
		}
		copy(c.decryptedKeyArea[i][:], dec)
	}
	return nil
}

// encryptKeyArea rewraps the decrypted key area into the header image,
// symmetric to decryptKeyArea. The V0 plaintext form is preserved as-is.
func (c *Context) encryptKeyArea() error {
	if c.Version == Version0 && sha256.Sum256(c.storedKeyArea()) == nca0PlainKeyAreaHash {
		for i := 0; i < MaxSections; i++ {
			c.Header.EncryptedKeyArea[i] = c.decryptedKeyArea[i]
		}
		c.Header.serialize()
		return nil
	}

	kaek, err := c.keys.KeyAreaKey(c.Header.KaekIndex, c.KeyGeneration)
	if err != nil {
		return err
	}

	var zero [16]byte
	for i := 0; i < c.keyAreaSlotCount(); i++ {
		if bytes.Equal(c.decryptedKeyArea[i][:], zero[:]) {
			c.Header.EncryptedKeyArea[i] = [16]byte{}
			continue
		}
		enc, err := crypto.ECBEncrypt(c.decryptedKeyArea[i][:], kaek)
		if err != nil {
			return fmt.Errorf("key area slot %d: %w", i, err)
		}
		copy(c.Header.EncryptedKeyArea[i][:], enc)
	}
	c.Header.serialize()
	return nil
}
