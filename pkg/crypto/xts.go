package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// XTSCipher implements the console's AES-128-XTS variant with a
// caller-supplied sector size. Unlike IEEE P1619 the tweak is the
// big-endian sector number, so the stock XTS packages cannot be used.
type XTSCipher struct {
	k1, k2     cipher.Block
	sectorSize int
}

// NewXTS creates an XTS cipher from a 32-byte key (16-byte data key
// followed by the 16-byte tweak key) and a sector size that must be a
// positive multiple of 16 bytes.
func NewXTS(key []byte, sectorSize int) (*XTSCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if sectorSize < 16 || sectorSize%16 != 0 {
		return nil, fmt.Errorf("XTS sector size must be a positive multiple of 16, got %d", sectorSize)
	}

	k1, err := getCachedCipher(key[:16])
	if err != nil {
		return nil, err
	}
	k2, err := getCachedCipher(key[16:])
	if err != nil {
		return nil, err
	}
	return &XTSCipher{k1: k1, k2: k2, sectorSize: sectorSize}, nil
}

// SectorSize returns the cipher's sector size.
func (c *XTSCipher) SectorSize() int {
	return c.sectorSize
}

func (c *XTSCipher) tweakFor(sector uint64) []byte {
	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)

	tweakEnc := make([]byte, 16)
	c.k2.Encrypt(tweakEnc, tweak)
	return tweakEnc
}

// DecryptSector decrypts a single sector in place. len(data) must equal
// the sector size.
func (c *XTSCipher) DecryptSector(data []byte, sector uint64) error {
	if len(data) != c.sectorSize {
		return fmt.Errorf("XTS length mismatch: got %d, want sector size %d", len(data), c.sectorSize)
	}

	tweak := c.tweakFor(sector)
	buf := make([]byte, 16)
	dec := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		chunk := data[i : i+16]
		xorBlock(buf, chunk, tweak)
		c.k1.Decrypt(dec, buf)
		xorBlock(chunk, dec, tweak)
		mul2(tweak)
	}
	return nil
}

// EncryptSector encrypts a single sector in place. len(data) must equal
// the sector size.
func (c *XTSCipher) EncryptSector(data []byte, sector uint64) error {
	if len(data) != c.sectorSize {
		return fmt.Errorf("XTS length mismatch: got %d, want sector size %d", len(data), c.sectorSize)
	}

	tweak := c.tweakFor(sector)
	buf := make([]byte, 16)
	enc := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		chunk := data[i : i+16]
		xorBlock(buf, chunk, tweak)
		c.k1.Encrypt(enc, buf)
		xorBlock(chunk, enc, tweak)
		mul2(tweak)
	}
	return nil
}

// Decrypt decrypts a run of whole sectors in place, starting at the given
// sector number. len(data) must be a multiple of the sector size.
func (c *XTSCipher) Decrypt(data []byte, startSector uint64) error {
	if len(data)%c.sectorSize != 0 {
		return fmt.Errorf("XTS length mismatch: %d not a multiple of sector size %d", len(data), c.sectorSize)
	}
	for i, sector := 0, startSector; i < len(data); i, sector = i+c.sectorSize, sector+1 {
		if err := c.DecryptSector(data[i:i+c.sectorSize], sector); err != nil {
			return err
		}
	}
	return nil
}

// Encrypt encrypts a run of whole sectors in place, starting at the given
// sector number. len(data) must be a multiple of the sector size.
func (c *XTSCipher) Encrypt(data []byte, startSector uint64) error {
	if len(data)%c.sectorSize != 0 {
		return fmt.Errorf("XTS length mismatch: %d not a multiple of sector size %d", len(data), c.sectorSize)
	}
	for i, sector := 0, startSector; i < len(data); i, sector = i+c.sectorSize, sector+1 {
		if err := c.EncryptSector(data[i:i+c.sectorSize], sector); err != nil {
			return err
		}
	}
	return nil
}
