package keys

import (
	"fmt"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

// DecryptKeyAreaEntry implements Provider using AES-128-ECB with the
// resolved KAEK.
func (s *Store) DecryptKeyAreaEntry(kaekIndex, keyGeneration uint8, in []byte) ([]byte, error) {
	kaek, err := s.KeyAreaKey(kaekIndex, keyGeneration)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(in, kaek)
}

// TitleKek returns the derived title KEK for a key generation, used to
// unwrap title keys read from tickets.
func (s *Store) TitleKek(keyGeneration uint8) ([]byte, error) {
	idx := masterKeyIndex(keyGeneration)
	if idx >= maxGenerations {
		return nil, fmt.Errorf("key generation %d out of range", keyGeneration)
	}

	s.mu.RLock()
	kek := s.titleKeks[idx]
	s.mu.RUnlock()

	if kek == nil {
		return nil, fmt.Errorf("titlekek_%02x: %w", idx, ErrKeyNotFound)
	}
	out := make([]byte, 16)
	copy(out, kek)
	return out, nil
}

// DecryptTitleKey unwraps an encrypted title key using the title KEK of
// the given key generation.
func (s *Store) DecryptTitleKey(encryptedKey []byte, keyGeneration uint8) ([]byte, error) {
	kek, err := s.TitleKek(keyGeneration)
	if err != nil {
		return nil, err
	}
	return crypto.ECBDecrypt(encryptedKey, kek)
}

func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}

	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}

	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// Derive generates the key-area keys and title KEKs for all available
// master keys. Should be called after loading keys.
func (s *Store) Derive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aesKekGen := s.keys["aes_kek_generation_source"]
	aesKeyGen := s.keys["aes_key_generation_source"]
	titleKekSource := s.keys["titlekek_source"]

	keyAreaSources := [kaekIndexCount][]byte{
		s.keys["key_area_key_application_source"],
		s.keys["key_area_key_ocean_source"],
		s.keys["key_area_key_system_source"],
	}

	if aesKekGen == nil || aesKeyGen == nil {
		return fmt.Errorf("missing generation sources, cannot derive keys")
	}

	for i := 0; i < maxGenerations; i++ {
		masterKey := s.keys[fmt.Sprintf("master_key_%02x", i)]
		if masterKey == nil {
			continue
		}

		if titleKekSource != nil {
			// TitleKek is Decrypt(titlekek_source, master_key)
			tk, err := crypto.ECBDecrypt(titleKekSource, masterKey)
			if err == nil {
				s.titleKeks[i] = tk
			}
		}

		for kaekIndex := 0; kaekIndex < kaekIndexCount; kaekIndex++ {
			if keyAreaSources[kaekIndex] == nil {
				continue
			}
			kaek, err := generateKek(keyAreaSources[kaekIndex], masterKey, aesKekGen, aesKeyGen)
			if err == nil {
				s.kaeks[kaekIndex][i] = kaek
			}
		}
	}
	return nil
}
