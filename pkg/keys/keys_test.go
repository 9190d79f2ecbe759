package keys

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

func writeKeysFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prod.keys")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestLoadParsesKeyFile(t *testing.T) {
	path := writeKeysFile(t,
		"# comment line",
		"header_key = "+strings.Repeat("00112233", 8),
		"",
		"not a key line",
		"master_key_00 = 000102030405060708090a0b0c0d0e0f",
	)

	s := NewStore()
	require.NoError(t, s.Load(path))

	hk, err := s.HeaderKey()
	require.NoError(t, err)
	assert.Len(t, hk, 32)

	assert.NotNil(t, s.Get("master_key_00"))
	assert.Nil(t, s.Get("missing"))
}

func TestHeaderKeyMissing(t *testing.T) {
	s := NewStore()
	_, err := s.HeaderKey()
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeriveAndKeyAreaKey(t *testing.T) {
	s := NewStore()
	s.Set("master_key_00", mustHex("000102030405060708090a0b0c0d0e0f"))
	s.Set("aes_kek_generation_source", mustHex("101112131415161718191a1b1c1d1e1f"))
	s.Set("aes_key_generation_source", mustHex("202122232425262728292a2b2c2d2e2f"))
	s.Set("titlekek_source", mustHex("303132333435363738393a3b3c3d3e3f"))
	s.Set("key_area_key_application_source", mustHex("404142434445464748494a4b4c4d4e4f"))

	require.NoError(t, s.Derive())

	// Generations 0 and 1 both map to master_key_00.
	k0, err := s.KeyAreaKey(KaekIndexApplication, 0)
	require.NoError(t, err)
	k1, err := s.KeyAreaKey(KaekIndexApplication, 1)
	require.NoError(t, err)
	assert.Equal(t, k0, k1)

	// The derivation chain is three ECB unwraps.
	want, err := generateKek(
		s.Get("key_area_key_application_source"),
		s.Get("master_key_00"),
		s.Get("aes_kek_generation_source"),
		s.Get("aes_key_generation_source"),
	)
	require.NoError(t, err)
	assert.Equal(t, want, k0)

	// No ocean source loaded, so that index stays unresolved.
	_, err = s.KeyAreaKey(KaekIndexOcean, 0)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// Title KEK round-trips a wrapped title key.
	kek, err := s.TitleKek(0)
	require.NoError(t, err)
	titleKey := mustHex("505152535455565758595a5b5c5d5e5f")
	wrapped, err := crypto.ECBEncrypt(titleKey, kek)
	require.NoError(t, err)
	dec, err := s.DecryptTitleKey(wrapped, 0)
	require.NoError(t, err)
	assert.Equal(t, titleKey, dec)
}

func TestDecryptKeyAreaEntryRoundTrip(t *testing.T) {
	s := NewStore()
	s.Set("master_key_00", mustHex("000102030405060708090a0b0c0d0e0f"))
	s.Set("aes_kek_generation_source", mustHex("101112131415161718191a1b1c1d1e1f"))
	s.Set("aes_key_generation_source", mustHex("202122232425262728292a2b2c2d2e2f"))
	s.Set("key_area_key_application_source", mustHex("404142434445464748494a4b4c4d4e4f"))
	require.NoError(t, s.Derive())

	kaek, err := s.KeyAreaKey(KaekIndexApplication, 1)
	require.NoError(t, err)

	slot := mustHex("606162636465666768696a6b6c6d6e6f")
	wrapped, err := crypto.ECBEncrypt(slot, kaek)
	require.NoError(t, err)

	dec, err := s.DecryptKeyAreaEntry(KaekIndexApplication, 1, wrapped)
	require.NoError(t, err)
	assert.Equal(t, slot, dec)
}

func TestStaticProvider(t *testing.T) {
	var p Static
	copy(p.Header[:], mustHex(strings.Repeat("a0", 32)))
	p.Kaeks = map[[2]uint8][16]byte{{0, 3}: {1, 2, 3}}

	hk, err := p.HeaderKey()
	require.NoError(t, err)
	assert.Len(t, hk, 32)

	_, err = p.KeyAreaKey(0, 4)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	kaek, err := p.KeyAreaKey(0, 3)
	require.NoError(t, err)

	slot := mustHex("707172737475767778797a7b7c7d7e7f")
	wrapped, err := crypto.ECBEncrypt(slot, kaek)
	require.NoError(t, err)
	dec, err := p.DecryptKeyAreaEntry(0, 3, wrapped)
	require.NoError(t, err)
	assert.Equal(t, slot, dec)

	_, err = p.MainSignatureModulus(0)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStaticTickets(t *testing.T) {
	rights := [16]byte{0xAA}
	tickets := StaticTickets{rights: {0xBB}}

	key, err := tickets.TitleKey(rights, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0xBB), key[0])

	_, err = tickets.TitleKey([16]byte{0xCC}, false)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
