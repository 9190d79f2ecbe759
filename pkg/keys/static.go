package keys

import (
	"fmt"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

// Static is an in-memory Provider with explicit key material, mainly for
// tests and embedded callers that resolve keys out of band.
type Static struct {
	Header [32]byte
	// Kaeks maps (kaekIndex, keyGeneration) pairs to KAEKs. The key
	// generation is the archive's effective generation, unmapped.
	Kaeks map[[2]uint8][16]byte
	// Moduli maps main-signature key generation indices to moduli.
	Moduli map[uint8][0x100]byte
}

// HeaderKey implements Provider.
func (s *Static) HeaderKey() ([]byte, error) {
	out := make([]byte, 32)
	copy(out, s.Header[:])
	return out, nil
}

// KeyAreaKey implements Provider.
func (s *Static) KeyAreaKey(kaekIndex, keyGeneration uint8) ([]byte, error) {
	kaek, ok := s.Kaeks[[2]uint8{kaekIndex, keyGeneration}]
	if !ok {
		return nil, fmt.Errorf("kaek (%d, %d): %w", kaekIndex, keyGeneration, ErrKeyNotFound)
	}
	out := make([]byte, 16)
	copy(out, kaek[:])
	return out, nil
}

// DecryptKeyAreaEntry implements Provider.
func (s *Static) DecryptKeyAreaEntry(kaekIndex, keyGeneration uint8, in []byte) ([]byte, error) {
	kaek, err := s.KeyAreaKey(kaekIndex, keyGeneration)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(in, kaek)
}

// MainSignatureModulus implements Provider.
func (s *Static) MainSignatureModulus(keyGenerationIndex uint8) ([]byte, error) {
	m, ok := s.Moduli[keyGenerationIndex]
	if !ok {
		return nil, fmt.Errorf("signature modulus %d: %w", keyGenerationIndex, ErrKeyNotFound)
	}
	out := make([]byte, 0x100)
	copy(out, m[:])
	return out, nil
}

// StaticTickets is a TicketProvider backed by a fixed rights-id map.
type StaticTickets map[[16]byte][16]byte

// TitleKey implements TicketProvider.
func (t StaticTickets) TitleKey(rightsID [16]byte, fromRemovable bool) ([]byte, error) {
	key, ok := t[rightsID]
	if !ok {
		return nil, fmt.Errorf("rights id %x: %w", rightsID, ErrKeyNotFound)
	}
	out := make([]byte, 16)
	copy(out, key[:])
	return out, nil
}
