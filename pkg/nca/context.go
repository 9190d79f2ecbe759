package nca

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
	"github.com/Johnson4242/nxdumptool/pkg/keys"
)

// Options carries the collaborators and identity of an archive being
// opened. Keys is required; Tickets is only consulted for rights-id
// archives.
type Options struct {
	// Size is the declared archive size in bytes.
	Size int64
	// StorageID tags the medium the archive was read from.
	StorageID StorageID
	// ContentID is the 16-byte content identifier.
	ContentID [16]byte
	// FromRemovable is passed through to the ticket provider.
	FromRemovable bool

	Keys    keys.Provider
	Tickets keys.TicketProvider
	Log     *logrus.Logger
}

// Context is the engine's view of one archive. Layout is immutable after
// Open; the header may be marked dirty by the mutation helpers and by
// patch generation. Callers must serialize mutations of a Context;
// read-only queries on distinct contexts are safe concurrently.
type Context struct {
	reader    io.ReaderAt
	storageID StorageID
	size      int64

	contentID    [16]byte
	contentIDHex string

	Version Version
	Header  *Header

	encryptedHeader [HeaderLength]byte

	// KeyGeneration is the effective key generation,
	// max(key_generation, key_generation_old).
	KeyGeneration uint8

	hasRightsID      bool
	titleKey         []byte
	decryptedKeyArea [MaxSections][16]byte

	Sections    [MaxSections]*Section
	sectionErrs [MaxSections]error

	headerDirty        bool
	headerWritten      bool
	headerImageWritten bool
	signatureValid     bool
	headerHash         [32]byte

	keys    keys.Provider
	tickets keys.TicketProvider
	log     *logrus.Logger
}

// Open reads and decrypts an archive's header and section headers through
// the block reader and builds the archive context. Per-section structural
// problems disable only the affected section; archive-level problems fail
// the call.
func Open(r io.ReaderAt, opts Options) (*Context, error) {
	if r == nil {
		return nil, fmt.Errorf("nil block reader")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("nil key provider")
	}
	if opts.Size < HeaderLength {
		return nil, fmt.Errorf("declared size 0x%X smaller than header length 0x%X", opts.Size, HeaderLength)
	}

	log := opts.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	c := &Context{
		reader:       r,
		storageID:    opts.StorageID,
		size:         opts.Size,
		contentID:    opts.ContentID,
		contentIDHex: hex.EncodeToString(opts.ContentID[:]),
		keys:         opts.Keys,
		tickets:      opts.Tickets,
		log:          log,
	}

	if err := c.decryptHeader(); err != nil {
		return nil, err
	}
	if err := c.resolveSectionKeys(opts.FromRemovable); err != nil {
		return nil, err
	}
	if err := c.loadSections(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) decryptHeader() error {
	enc := make([]byte, HeaderLength)
	if _, err := c.reader.ReadAt(enc, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	copy(c.encryptedHeader[:], enc)

	headerKey, err := c.keys.HeaderKey()
	if err != nil {
		return fmt.Errorf("header key: %w", err)
	}
	xts, err := crypto.NewXTS(headerKey, SectorSize)
	if err != nil {
		return err
	}

	plain := make([]byte, HeaderLength)
	copy(plain, enc)
	if err := xts.Decrypt(plain, 0); err != nil {
		return fmt.Errorf("decrypt header: %w", err)
	}

	h, err := parseHeader(plain)
	if err != nil {
		return err
	}

	c.Version = versionFromMagic(h.Magic[:])
	if c.Version == VersionInvalid {
		return fmt.Errorf("invalid header magic %q", h.Magic)
	}
	if h.ContentSize != uint64(c.size) {
		return fmt.Errorf("content size mismatch: header says 0x%X, archive is 0x%X", h.ContentSize, c.size)
	}

	c.Header = h
	c.KeyGeneration = h.EffectiveKeyGeneration()
	c.hasRightsID = h.HasRightsID()
	c.headerHash = sha256.Sum256(plain)
	c.verifySignature()

	return nil
}

// verifySignature checks the main header signature. The result is
// recorded, never fatal: the archive stays usable for extraction and the
// caller decides policy.
func (c *Context) verifySignature() {
	c.signatureValid = false

	modulus, err := c.keys.MainSignatureModulus(c.Header.MainSignatureKeyGeneration)
	if err != nil {
		c.log.WithError(err).Warnf("nca %s: main signature modulus unavailable", c.contentIDHex)
		return
	}

	signed := c.Header.raw[signedAreaOffset : signedAreaOffset+SignatureAreaSize]
	if err := crypto.VerifyPSS2048(modulus, signed, c.Header.MainSignature[:]); err != nil {
		c.log.Warnf("nca %s: main signature verification failed", c.contentIDHex)
		return
	}
	c.signatureValid = true
}

func (c *Context) resolveSectionKeys(fromRemovable bool) error {
	// V0 section headers are encrypted with the key-area XTS pair, so the
	// key area is decrypted even for rights-id archives.
	if !c.hasRightsID || c.Version == Version0 {
		if err := c.decryptKeyArea(); err != nil {
			return fmt.Errorf("decrypt key area: %w", err)
		}
	}

	if c.hasRightsID {
		if c.tickets == nil {
			c.log.Warnf("nca %s: rights id set but no ticket provider", c.contentIDHex)
			return nil
		}
		titleKey, err := c.tickets.TitleKey(c.Header.RightsID, fromRemovable)
		if err != nil {
			if errors.Is(err, keys.ErrKeyNotFound) {
				c.log.Warnf("nca %s: no ticket for rights id %x", c.contentIDHex, c.Header.RightsID)
				return nil
			}
			return fmt.Errorf("ticket lookup: %w", err)
		}
		if len(titleKey) != 16 {
			return fmt.Errorf("ticket returned %d-byte title key", len(titleKey))
		}
		c.titleKey = titleKey
	}
	return nil
}

// sectionHeaderPlacement returns the on-disk position and XTS sector
// number of section header i.
func (c *Context) sectionHeaderPlacement(i int) (pos int64, sector uint64) {
	switch c.Version {
	case Version0:
		start := int64(c.Header.FsInfo[i].StartSector)
		return start * SectorSize, uint64(start - 2)
	case Version2:
		return HeaderLength + int64(i)*SectionHeaderLength, 0
	default: // Version3
		return HeaderLength + int64(i)*SectionHeaderLength, uint64(2 + i)
	}
}

// sectionHeaderCipher returns the XTS cipher used for section headers:
// the header key for V2/V3, the archive's key-area XTS pair for V0.
func (c *Context) sectionHeaderCipher() (*crypto.XTSCipher, error) {
	if c.Version == Version0 {
		key := make([]byte, 32)
		copy(key[:16], c.decryptedKeyArea[0][:])
		copy(key[16:], c.decryptedKeyArea[1][:])
		return crypto.NewXTS(key, SectorSize)
	}
	headerKey, err := c.keys.HeaderKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewXTS(headerKey, SectorSize)
}

func (c *Context) loadSections() error {
	xts, err := c.sectionHeaderCipher()
	if err != nil {
		return err
	}

	populated, enabled := 0, 0
	for i := 0; i < MaxSections; i++ {
		if c.Header.FsInfo[i].IsZero() {
			continue
		}
		populated++

		pos, sector := c.sectionHeaderPlacement(i)
		enc := make([]byte, SectionHeaderLength)
		if _, err := c.reader.ReadAt(enc, pos); err != nil {
			return fmt.Errorf("read section %d header: %w", i, err)
		}

		plain := make([]byte, SectionHeaderLength)
		copy(plain, enc)
		if err := xts.Decrypt(plain, sector); err != nil {
			return fmt.Errorf("decrypt section %d header: %w", i, err)
		}

		if sha256.Sum256(plain) != c.Header.FsHeaderHash[i] {
			c.disableSection(i, fmt.Errorf("section %d header hash mismatch: %w", i, ErrSectionDisabled))
			continue
		}

		fh, err := parseFsHeader(plain)
		if err != nil {
			c.disableSection(i, fmt.Errorf("section %d header invalid: %w: %w", i, ErrSectionDisabled, err))
			continue
		}

		sec, err := c.newSection(i, fh, enc, pos, sector)
		if err != nil {
			c.disableSection(i, fmt.Errorf("section %d: %w: %w", i, ErrSectionDisabled, err))
			continue
		}
		c.Sections[i] = sec
		enabled++
	}

	if populated > 0 && enabled == 0 {
		return fmt.Errorf("no usable sections (%d populated, all disabled): %w", populated, ErrSectionDisabled)
	}
	return nil
}

// disableSection records why a populated slot was disabled and logs it;
// initialization continues per the robustness policy.
func (c *Context) disableSection(i int, err error) {
	c.sectionErrs[i] = err
	c.log.WithError(err).Warnf("nca %s: section %d disabled", c.contentIDHex, i)
}

// SectionError reports why a populated slot was disabled, wrapped with
// ErrSectionDisabled. Enabled and unoccupied slots return nil.
func (c *Context) SectionError(i int) error {
	if i < 0 || i >= MaxSections {
		return nil
	}
	return c.sectionErrs[i]
}

// EncryptHeader produces the write-back header images: the archive header
// and every enabled section header re-encrypted with the per-format
// sector numbering and keys. A no-op success when the header is clean.
func (c *Context) EncryptHeader() error {
	if !c.headerDirty {
		return nil
	}

	headerKey, err := c.keys.HeaderKey()
	if err != nil {
		return fmt.Errorf("header key: %w", err)
	}
	xts, err := crypto.NewXTS(headerKey, SectorSize)
	if err != nil {
		return err
	}

	plain := c.Header.serialize()
	enc := make([]byte, HeaderLength)
	copy(enc, plain)
	if err := xts.Encrypt(enc, 0); err != nil {
		return fmt.Errorf("encrypt header: %w", err)
	}
	copy(c.encryptedHeader[:], enc)

	sectionXts, err := c.sectionHeaderCipher()
	if err != nil {
		return err
	}
	for _, sec := range c.Sections {
		if sec == nil {
			continue
		}
		secPlain := sec.Header.serialize()
		secEnc := make([]byte, SectionHeaderLength)
		copy(secEnc, secPlain)
		if err := sectionXts.Encrypt(secEnc, sec.headerSector); err != nil {
			return fmt.Errorf("encrypt section %d header: %w", sec.Index, err)
		}
		copy(sec.encryptedHeader[:], secEnc)
	}

	return nil
}

// SetDistributionType changes the header's distribution-type tag and
// marks the header dirty.
func (c *Context) SetDistributionType(t DistributionType) {
	if c.Header.DistributionType == t {
		return
	}
	c.Header.DistributionType = t
	c.Header.serialize()
	c.markHeaderDirty()
}

// RemoveTitleKeyCrypto converts a rights-id archive to standard key-area
// crypto: the resolved title key is written into the CTR key slot, the
// key area is re-encrypted into the header and the rights id is cleared.
func (c *Context) RemoveTitleKeyCrypto() error {
	if !c.hasRightsID {
		return nil
	}
	if c.titleKey == nil {
		return fmt.Errorf("title key unresolved: %w", keys.ErrKeyNotFound)
	}

	copy(c.decryptedKeyArea[2][:], c.titleKey)
	if err := c.encryptKeyArea(); err != nil {
		return fmt.Errorf("re-encrypt key area: %w", err)
	}

	c.Header.RightsID = [16]byte{}
	c.hasRightsID = false
	c.Header.serialize()
	c.markHeaderDirty()
	return nil
}

// SetContentID replaces the archive's content identifier and marks the
// header dirty so the write-back image is regenerated.
func (c *Context) SetContentID(id [16]byte) {
	c.contentID = id
	c.contentIDHex = hex.EncodeToString(id[:])
	c.markHeaderDirty()
}

func (c *Context) markHeaderDirty() {
	c.headerDirty = true
	c.headerWritten = false
	c.headerImageWritten = false
	for _, sec := range c.Sections {
		if sec != nil {
			sec.headerWritten = false
		}
	}
}

// ContentID returns the archive's 16-byte content identifier.
func (c *Context) ContentID() [16]byte { return c.contentID }

// ContentIDString returns the lower-case hex form of the content id.
func (c *Context) ContentIDString() string { return c.contentIDHex }

// Size returns the declared archive size in bytes.
func (c *Context) Size() int64 { return c.size }

// StorageID returns the storage-kind tag the archive was opened with.
func (c *Context) StorageID() StorageID { return c.storageID }

// HeaderSignatureValid reports the stored result of main-signature
// verification. A false value does not make the archive unusable.
func (c *Context) HeaderSignatureValid() bool { return c.signatureValid }

// HeaderHash returns the SHA-256 of the plaintext archive header.
func (c *Context) HeaderHash() [32]byte { return c.headerHash }

// IsHeaderDirty reports whether the header needs re-encryption before
// write-back.
func (c *Context) IsHeaderDirty() bool { return c.headerDirty }

// IsHeaderWritten reports whether the encrypted header has been fully
// spliced into an outbound buffer.
func (c *Context) IsHeaderWritten() bool { return c.headerWritten }

// HasRightsID reports whether the archive uses titlekey crypto.
func (c *Context) HasRightsID() bool { return c.hasRightsID }

// TitleKey returns the resolved title key, or nil.
func (c *Context) TitleKey() []byte {
	if c.titleKey == nil {
		return nil
	}
	out := make([]byte, 16)
	copy(out, c.titleKey)
	return out
}

// KeyArea returns the decrypted key area.
func (c *Context) KeyArea() [MaxSections][16]byte { return c.decryptedKeyArea }

// Section returns the section context in slot i, or nil when the slot is
// unoccupied or disabled.
func (c *Context) Section(i int) *Section {
	if i < 0 || i >= MaxSections {
		return nil
	}
	return c.Sections[i]
}
