// Package crypto implements the AES and RSA primitives used by the
// content-archive engine: AES-128 in ECB, CTR with an offset-derived
// counter, the CTR-Ex variant that mixes a 32-bit generation into the IV,
// the console's XTS flavor, and RSA-2048-PSS-SHA-256 verification.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// CTRBlockSize is the AES block size used by the CTR/CTR-Ex paths.
	CTRBlockSize = 0x10
	// SHA256Size is the size of a SHA-256 digest.
	SHA256Size = 0x20
)

// Cipher cache to avoid recreating AES ciphers for the same key
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	// Double-check after acquiring write lock
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB.
// Note: ECB is not secure for general purpose, but the archive key area
// is wrapped with it.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt encrypts data using AES-ECB.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// NewCTRStream creates an AES-CTR stream starting at a specific absolute offset.
// The iv contains the base counter (bytes 0-7 are section-specific).
// Bytes 8-15 are SET to the block number (offset / 16) in big-endian.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// NewCTRStreamEx creates an AES-CTR stream for patched (BKTR) ranges.
// In addition to the offset-derived low half, the counter carries the
// range's 32-bit generation value in bytes 4-7, big-endian.
func NewCTRStreamEx(key, iv []byte, ctrVal uint32, absoluteOffset int64) (cipher.Stream, error) {
	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint32(counter[4:], ctrVal)
	return NewCTRStream(key, counter, absoluteOffset)
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte = 0
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
