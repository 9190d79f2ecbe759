package nca

import (
	"bytes"
	stdcrypto "crypto"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
	"github.com/Johnson4242/nxdumptool/pkg/keys"
)

// Synthetic-archive builder. The builder encrypts with pkg/crypto
// directly, so the engine under test is checked against an independent
// construction of the on-disk format.

func testHeaderKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = 0x80 + byte(i)
	}
	return key
}

func testKaek() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = 0x90 + byte(i)
	}
	return key
}

type testSectionSpec struct {
	index      int
	start, end uint32 // sectors
	fsRaw      []byte // SectionHeaderLength bytes, plaintext
	payload    []byte // plaintext of the whole section region
	encryption EncryptionType
}

type testArchive struct {
	version  Version
	keyArea  [MaxSections][16]byte
	rightsID [16]byte
	keyGen   uint8
	sections []testSectionSpec
	signer   *rsa.PrivateKey
}

// fsHeaderRaw assembles a plaintext section header.
func fsHeaderRaw(fsType FsType, hashType HashType, encType EncryptionType, upperIV uint64) []byte {
	raw := make([]byte, SectionHeaderLength)
	binary.LittleEndian.PutUint16(raw[0x0:], 2)
	raw[0x2] = byte(fsType)
	raw[0x3] = byte(hashType)
	raw[0x4] = byte(encType)
	binary.LittleEndian.PutUint64(raw[0x140:], upperIV)
	return raw
}

func putFlatHashData(raw []byte, master [32]byte, blockSize uint32, regions []HashRegion) {
	copy(raw[0x8:0x28], master[:])
	binary.LittleEndian.PutUint32(raw[0x28:], blockSize)
	binary.LittleEndian.PutUint32(raw[0x2C:], uint32(len(regions)))
	for i, r := range regions {
		base := 0x30 + i*0x10
		binary.LittleEndian.PutUint64(raw[base:], r.Offset)
		binary.LittleEndian.PutUint64(raw[base+8:], r.Size)
	}
}

func putIntegrityHashData(raw []byte, levels [IntegrityLevels]IntegrityLevel, master [32]byte) {
	copy(raw[0x8:0xC], "IVFC")
	binary.LittleEndian.PutUint32(raw[0xC:], 0x20000)
	binary.LittleEndian.PutUint32(raw[0x10:], 0x20)
	binary.LittleEndian.PutUint32(raw[0x14:], IntegrityLevels+1)
	for i, lv := range levels {
		base := 0x18 + i*0x18
		binary.LittleEndian.PutUint64(raw[base:], lv.Offset)
		binary.LittleEndian.PutUint64(raw[base+8:], lv.Size)
		binary.LittleEndian.PutUint32(raw[base+16:], lv.BlockOrder)
	}
	copy(raw[0xC8:0xE8], master[:])
}

func (ta *testArchive) magic() string {
	switch ta.version {
	case Version0:
		return MagicNCA0
	case Version2:
		return MagicNCA2
	default:
		return MagicNCA3
	}
}

func (ta *testArchive) slotCount() int {
	if ta.version == Version0 {
		return 2
	}
	return MaxSections
}

// build assembles the encrypted archive image and a matching provider.
func (ta *testArchive) build(t *testing.T) ([]byte, *keys.Static) {
	t.Helper()

	size := int64(FullHeaderLength)
	for _, sec := range ta.sections {
		if end := int64(sec.end) * SectorSize; end > size {
			size = end
		}
	}

	hdr := make([]byte, HeaderLength)
	copy(hdr[0x200:0x204], ta.magic())
	hdr[0x206] = ta.keyGen
	hdr[0x207] = keys.KaekIndexApplication
	binary.LittleEndian.PutUint64(hdr[0x208:], uint64(size))
	hdr[0x220] = ta.keyGen
	copy(hdr[0x230:0x240], ta.rightsID[:])

	kaek := testKaek()
	var zero [16]byte
	for i := 0; i < ta.slotCount(); i++ {
		if bytes.Equal(ta.keyArea[i][:], zero[:]) {
			continue
		}
		enc, err := crypto.ECBEncrypt(ta.keyArea[i][:], kaek)
		require.NoError(t, err)
		copy(hdr[0x300+i*0x10:], enc)
	}

	for _, sec := range ta.sections {
		base := 0x240 + sec.index*0x10
		binary.LittleEndian.PutUint32(hdr[base:], sec.start)
		binary.LittleEndian.PutUint32(hdr[base+4:], sec.end)
		sum := sha256.Sum256(sec.fsRaw)
		copy(hdr[0x280+sec.index*0x20:], sum[:])
	}

	provider := &keys.Static{
		Kaeks: map[[2]uint8][16]byte{{keys.KaekIndexApplication, ta.keyGen}: [16]byte(kaek)},
	}
	copy(provider.Header[:], testHeaderKey())

	if ta.signer != nil {
		digest := sha256.Sum256(hdr[0x200:0x400])
		sig, err := rsa.SignPSS(cryptorand.Reader, ta.signer, stdcrypto.SHA256, digest[:],
			&rsa.PSSOptions{SaltLength: crypto.SHA256Size, Hash: stdcrypto.SHA256})
		require.NoError(t, err)
		copy(hdr[0x000:0x100], sig)

		modulus := ta.signer.N.Bytes()
		require.Len(t, modulus, 0x100)
		provider.Moduli = map[uint8][0x100]byte{0: [0x100]byte(modulus)}
	}

	image := make([]byte, size)

	for _, sec := range ta.sections {
		abs := int64(sec.start) * SectorSize
		regionSize := (int64(sec.end) - int64(sec.start)) * SectorSize
		require.Len(t, sec.payload, int(regionSize))
		if ta.version == Version0 {
			require.Equal(t, sec.fsRaw, sec.payload[:SectionHeaderLength],
				"V0 payload must embed the section header")
		}

		enc := make([]byte, len(sec.payload))
		copy(enc, sec.payload)
		ta.encryptRegion(t, enc, abs, sec)
		copy(image[abs:], enc)
	}

	if ta.version != Version0 {
		xts, err := crypto.NewXTS(testHeaderKey(), SectorSize)
		require.NoError(t, err)
		for _, sec := range ta.sections {
			sector := uint64(0)
			if ta.version == Version3 {
				sector = uint64(2 + sec.index)
			}
			encFs := make([]byte, SectionHeaderLength)
			copy(encFs, sec.fsRaw)
			require.NoError(t, xts.Encrypt(encFs, sector))
			copy(image[HeaderLength+sec.index*SectionHeaderLength:], encFs)
		}
	}

	headerXts, err := crypto.NewXTS(testHeaderKey(), SectorSize)
	require.NoError(t, err)
	encHdr := make([]byte, HeaderLength)
	copy(encHdr, hdr)
	require.NoError(t, headerXts.Encrypt(encHdr, 0))
	copy(image[:HeaderLength], encHdr)

	return image, provider
}

func (ta *testArchive) encryptRegion(t *testing.T, data []byte, abs int64, sec testSectionSpec) {
	t.Helper()
	switch sec.encryption {
	case EncryptionNone:
	case EncryptionCTR, EncryptionCTREx:
		key := ta.keyArea[2][:]
		var zero [16]byte
		if !bytes.Equal(ta.rightsID[:], zero[:]) {
			key = testTitleKey()
		}
		iv := make([]byte, 16)
		binary.BigEndian.PutUint64(iv, upperIVFromRaw(sec.fsRaw))
		stream, err := crypto.NewCTRStream(key, iv, abs)
		require.NoError(t, err)
		stream.XORKeyStream(data, data)
	case EncryptionXTS:
		key := make([]byte, 32)
		copy(key[:16], ta.keyArea[0][:])
		copy(key[16:], ta.keyArea[1][:])
		xts, err := crypto.NewXTS(key, SectorSize)
		require.NoError(t, err)
		sector := uint64(0)
		if ta.version == Version0 {
			sector = uint64((abs - HeaderLength) / SectorSize)
		}
		require.NoError(t, xts.Encrypt(data, sector))
	default:
		t.Fatalf("unsupported test encryption %d", sec.encryption)
	}
}

func upperIVFromRaw(fsRaw []byte) uint64 {
	return binary.LittleEndian.Uint64(fsRaw[0x140:0x148])
}

func testTitleKey() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = 0xC0 + byte(i)
	}
	return key
}

func openTest(t *testing.T, image []byte, provider keys.Provider, tickets keys.TicketProvider) *Context {
	t.Helper()
	ctx, err := Open(bytes.NewReader(image), Options{
		Size:      int64(len(image)),
		ContentID: [16]byte{0x01, 0x02},
		Keys:      provider,
		Tickets:   tickets,
	})
	require.NoError(t, err)
	return ctx
}

func TestOpenEmptyV3Archive(t *testing.T) {
	ta := &testArchive{version: Version3}
	image, provider := ta.build(t)

	ctx := openTest(t, image, provider, nil)

	assert.Equal(t, Version3, ctx.Version)
	assert.Equal(t, MagicNCA3, string(ctx.Header.Magic[:]))
	assert.False(t, ctx.IsHeaderDirty())
	assert.False(t, ctx.HasRightsID())
	for i := 0; i < MaxSections; i++ {
		assert.Nil(t, ctx.Section(i))
	}

	// The header hash covers the plaintext image.
	plain := make([]byte, HeaderLength)
	copy(plain, image[:HeaderLength])
	xts, err := crypto.NewXTS(testHeaderKey(), SectorSize)
	require.NoError(t, err)
	require.NoError(t, xts.Decrypt(plain, 0))
	assert.Equal(t, sha256.Sum256(plain), ctx.HeaderHash())
}

func TestOpenRejectsBadInput(t *testing.T) {
	ta := &testArchive{version: Version3}
	image, provider := ta.build(t)

	_, err := Open(nil, Options{Size: int64(len(image)), Keys: provider})
	assert.Error(t, err)

	_, err = Open(bytes.NewReader(image), Options{Size: int64(len(image))})
	assert.Error(t, err)

	// Declared size below the header length.
	_, err = Open(bytes.NewReader(image), Options{Size: 0x200, Keys: provider})
	assert.Error(t, err)

	// Declared size disagreeing with the header's content size.
	grown := append(append([]byte{}, image...), make([]byte, 0x400)...)
	_, err = Open(bytes.NewReader(grown), Options{Size: int64(len(grown)), Keys: provider})
	assert.ErrorContains(t, err, "content size mismatch")

	// Garbage header.
	garbage := make([]byte, len(image))
	_, err = Open(bytes.NewReader(garbage), Options{Size: int64(len(garbage)), Keys: provider})
	assert.ErrorContains(t, err, "magic")
}

// ctrSectionSpec builds a plain CTR section covering sectors [start, end).
func ctrSectionSpec(index int, start, end uint32, upperIV uint64, payload []byte) testSectionSpec {
	return testSectionSpec{
		index:      index,
		start:      start,
		end:        end,
		fsRaw:      fsHeaderRaw(FsTypeRomFS, HashTypeHierarchicalIntegrity, EncryptionCTR, upperIV),
		payload:    payload,
		encryption: EncryptionCTR,
	}
}

func patternPayload(size int64) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(i*31 + i/0x200)
	}
	return p
}

func TestHeaderRoundTripV3(t *testing.T) {
	ta := &testArchive{
		version: Version3,
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x48, 0x1122334455667788, patternPayload(8*SectorSize)),
		},
	}
	ta.keyArea[2] = [16]byte{0xAA, 0xBB}
	image, provider := ta.build(t)
	assertHeaderRoundTrip(t, image, provider)
}

func TestHeaderRoundTripV2(t *testing.T) {
	ta := &testArchive{
		version: Version2,
		sections: []testSectionSpec{
			ctrSectionSpec(1, 0x40, 0x44, 0x8877665544332211, patternPayload(4*SectorSize)),
		},
	}
	ta.keyArea[2] = [16]byte{0x11, 0x22, 0x33}
	image, provider := ta.build(t)
	assertHeaderRoundTrip(t, image, provider)
}

func TestHeaderRoundTripV0(t *testing.T) {
	fsRaw := fsHeaderRaw(FsTypeRomFS, HashTypeNone, EncryptionXTS, 0)
	payload := patternPayload(8 * SectorSize)
	copy(payload, fsRaw)

	ta := &testArchive{
		version: Version0,
		sections: []testSectionSpec{{
			index:      0,
			start:      0x40,
			end:        0x48,
			fsRaw:      fsRaw,
			payload:    payload,
			encryption: EncryptionXTS,
		}},
	}
	ta.keyArea[0] = [16]byte{0x31}
	ta.keyArea[1] = [16]byte{0x32}
	image, provider := ta.build(t)

	// V0 payload sectors are numbered across the whole archive past the
	// header.
	ctx := openTest(t, image, provider, nil)
	sec := ctx.Section(0)
	require.NotNil(t, sec)
	assert.Equal(t, SectionNca0RomFS, sec.Type)
	assert.Equal(t, EncryptionXTS, sec.Encryption)
	got := make([]byte, 0x300)
	require.NoError(t, sec.Read(got, 0x200))
	assert.Equal(t, payload[0x200:0x500], got)

	assertHeaderRoundTrip(t, image, provider)
}

// assertHeaderRoundTrip opens an archive, forces a header re-encryption
// without changing any content, and checks the write-back image is
// byte-identical to the original.
func assertHeaderRoundTrip(t *testing.T, image []byte, provider keys.Provider) {
	t.Helper()
	ctx := openTest(t, image, provider, nil)

	// Marking dirty without mutating content must reproduce the exact
	// on-disk bytes.
	ctx.SetContentID(ctx.ContentID())
	require.True(t, ctx.IsHeaderDirty())

	out := make([]byte, len(image))
	copy(out, image)
	done, err := ctx.WriteHeaderTo(out, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, ctx.IsHeaderWritten())
	assert.Equal(t, image, out)
}

func TestKeyAreaRoundTrip(t *testing.T) {
	ta := &testArchive{
		version: Version3,
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x44, 0, patternPayload(4*SectorSize)),
		},
	}
	ta.keyArea[0] = [16]byte{1}
	ta.keyArea[1] = [16]byte{2}
	ta.keyArea[2] = [16]byte{3}
	// Slot 3 stays zero and must survive as zero.
	image, provider := ta.build(t)

	ctx := openTest(t, image, provider, nil)
	assert.Equal(t, ta.keyArea, ctx.KeyArea())

	original := ctx.Header.EncryptedKeyArea
	require.NoError(t, ctx.encryptKeyArea())
	assert.Equal(t, original, ctx.Header.EncryptedKeyArea)
}

func TestMainSignature(t *testing.T) {
	signer, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	require.NoError(t, err)

	ta := &testArchive{version: Version3, signer: signer}
	image, provider := ta.build(t)

	ctx := openTest(t, image, provider, nil)
	assert.True(t, ctx.HeaderSignatureValid())

	// Without the modulus, verification cannot run; the archive still
	// opens.
	provider.Moduli = nil
	ctx = openTest(t, image, provider, nil)
	assert.False(t, ctx.HeaderSignatureValid())
}

func TestSectionHeaderHashMismatchDisablesSection(t *testing.T) {
	ta := &testArchive{
		version: Version3,
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x44, 0, patternPayload(4*SectorSize)),
			ctrSectionSpec(1, 0x44, 0x48, 0, patternPayload(4*SectorSize)),
		},
	}
	image, provider := ta.build(t)

	// Corrupt section 0's encrypted header on disk.
	image[HeaderLength] ^= 0xFF

	ctx := openTest(t, image, provider, nil)
	assert.Nil(t, ctx.Section(0))
	assert.NotNil(t, ctx.Section(1))
	assert.ErrorIs(t, ctx.SectionError(0), ErrSectionDisabled)
	assert.NoError(t, ctx.SectionError(1))
}

func TestAllSectionsDisabledFailsOpen(t *testing.T) {
	ta := &testArchive{
		version: Version3,
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x44, 0, patternPayload(4*SectorSize)),
		},
	}
	image, provider := ta.build(t)
	image[HeaderLength] ^= 0xFF

	_, err := Open(bytes.NewReader(image), Options{
		Size: int64(len(image)),
		Keys: provider,
	})
	assert.ErrorContains(t, err, "no usable sections")
	assert.ErrorIs(t, err, ErrSectionDisabled)
}

func TestRightsIDTitleKey(t *testing.T) {
	payload := patternPayload(8 * SectorSize)
	ta := &testArchive{
		version:  Version3,
		rightsID: [16]byte{0xDE, 0xAD},
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x48, 0xABCD000000000000, payload),
		},
	}
	image, provider := ta.build(t)

	tickets := keys.StaticTickets{ta.rightsID: [16]byte(testTitleKey())}
	ctx := openTest(t, image, provider, tickets)

	require.True(t, ctx.HasRightsID())
	assert.Equal(t, testTitleKey(), ctx.TitleKey())

	sec := ctx.Section(0)
	require.NotNil(t, sec)
	got := make([]byte, 0x400)
	require.NoError(t, sec.Read(got, 0x200))
	assert.Equal(t, payload[0x200:0x600], got)
}

func TestRemoveTitleKeyCrypto(t *testing.T) {
	payload := patternPayload(8 * SectorSize)
	ta := &testArchive{
		version:  Version3,
		rightsID: [16]byte{0xBE, 0xEF},
		sections: []testSectionSpec{
			ctrSectionSpec(0, 0x40, 0x48, 0x1000000000000000, payload),
		},
	}
	image, provider := ta.build(t)
	tickets := keys.StaticTickets{ta.rightsID: [16]byte(testTitleKey())}

	ctx := openTest(t, image, provider, tickets)
	require.NoError(t, ctx.RemoveTitleKeyCrypto())

	assert.False(t, ctx.HasRightsID())
	assert.Equal(t, [16]byte(testTitleKey()), ctx.KeyArea()[2])
	require.True(t, ctx.IsHeaderDirty())

	out := make([]byte, len(image))
	copy(out, image)
	done, err := ctx.WriteHeaderTo(out, 0)
	require.NoError(t, err)
	require.True(t, done)

	// The rewritten archive opens with standard crypto and still
	// decrypts the payload with the (now in-key-area) title key.
	reopened := openTest(t, out, provider, nil)
	assert.False(t, reopened.HasRightsID())
	sec := reopened.Section(0)
	require.NotNil(t, sec)
	got := make([]byte, 0x400)
	require.NoError(t, sec.Read(got, 0x200))
	assert.Equal(t, payload[0x200:0x600], got)
}
