package nca

import (
	"encoding/binary"
	"fmt"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

const bucketVersion = 1

// Section is the engine's view of one occupied, usable section slot.
// A Section never outlives its Context.
type Section struct {
	nca   *Context
	Index int

	Type       SectionType
	Encryption EncryptionType

	// Offset and Size locate the section's payload in the archive.
	Offset int64
	Size   int64

	Header *FsHeader

	encryptedHeader [SectionHeaderLength]byte
	headerPos       int64
	headerSector    uint64
	headerWritten   bool

	// ctrIV is the base counter seed: the upper 8 bytes are the header's
	// aes_ctr_upper_iv big-endian, the low 8 are filled per read from the
	// content offset.
	ctrIV [16]byte

	sparse   bool
	sparseIV [16]byte

	ctrKey []byte
	xts    *crypto.XTSCipher
}

func deriveSectionType(version Version, fh *FsHeader) SectionType {
	if version == Version0 {
		return SectionNca0RomFS
	}
	switch {
	case fh.FsType == FsTypePartitionFS && fh.Flat != nil:
		return SectionPartitionFS
	case fh.FsType == FsTypeRomFS && fh.Integrity != nil:
		if fh.EncryptionType == EncryptionCTREx {
			return SectionPatchRomFS
		}
		return SectionRomFS
	default:
		return SectionInvalid
	}
}

func (c *Context) newSection(i int, fh *FsHeader, encHeader []byte, headerPos int64, headerSector uint64) (*Section, error) {
	info := c.Header.FsInfo[i]
	offset := int64(info.StartSector) * SectorSize
	size := int64(info.EndSector)*SectorSize - offset

	if offset < HeaderLength {
		return nil, fmt.Errorf("section offset 0x%X inside header", offset)
	}
	if size <= 0 {
		return nil, fmt.Errorf("section has no payload (sectors %d..%d)", info.StartSector, info.EndSector)
	}

	secType := deriveSectionType(c.Version, fh)
	if secType == SectionInvalid {
		return nil, fmt.Errorf("unsupported fs/hash combination (fs %d, hash %d)", fh.FsType, fh.HashType)
	}

	enc := fh.EncryptionType
	if c.Version == Version0 {
		// V0 payloads are always XTS'd with the key-area pair.
		enc = EncryptionXTS
	}
	switch enc {
	case EncryptionNone, EncryptionXTS, EncryptionCTR, EncryptionCTREx:
	default:
		return nil, fmt.Errorf("unsupported encryption tag %d", fh.EncryptionType)
	}

	s := &Section{
		nca:          c,
		Index:        i,
		Type:         secType,
		Encryption:   enc,
		Offset:       offset,
		Size:         size,
		Header:       fh,
		headerPos:    headerPos,
		headerSector: headerSector,
		sparse:       fh.SparseInfo.HasSparseLayer(),
	}
	copy(s.encryptedHeader[:], encHeader)

	binary.BigEndian.PutUint64(s.ctrIV[:8], fh.CtrUpperIV)
	if s.sparse {
		copy(s.sparseIV[:], s.ctrIV[:])
		binary.BigEndian.PutUint32(s.sparseIV[4:], uint32(fh.SparseInfo.Generation)<<16)

		bucket := fh.SparseInfo.Bucket
		if string(bucket.Header.Magic[:]) != MagicBKTR {
			return nil, fmt.Errorf("sparse bucket magic %q", bucket.Header.Magic)
		}
		if bucket.Header.Version != bucketVersion {
			return nil, fmt.Errorf("sparse bucket version %d", bucket.Header.Version)
		}
		if bucket.Header.EntryCount == 0 {
			return nil, fmt.Errorf("sparse bucket has no entries")
		}
		rawEnd := fh.SparseInfo.PhysicalOffset + bucket.Offset + bucket.Size
		if rawEnd > uint64(c.size) {
			return nil, fmt.Errorf("sparse raw range 0x%X exceeds archive size 0x%X", rawEnd, c.size)
		}
	} else if offset+size > c.size {
		return nil, fmt.Errorf("section range 0x%X..0x%X exceeds archive size 0x%X", offset, offset+size, c.size)
	}

	if err := s.setupCrypto(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Section) setupCrypto() error {
	c := s.nca
	switch s.Encryption {
	case EncryptionNone:
		return nil
	case EncryptionXTS:
		key := make([]byte, 32)
		copy(key[:16], c.decryptedKeyArea[0][:])
		copy(key[16:], c.decryptedKeyArea[1][:])
		xts, err := crypto.NewXTS(key, SectorSize)
		if err != nil {
			return err
		}
		s.xts = xts
		return nil
	case EncryptionCTR, EncryptionCTREx:
		// Titlekey archives use the title key; otherwise slot 2 serves
		// both CTR and CTR-Ex.
		if c.hasRightsID {
			if c.titleKey == nil {
				return fmt.Errorf("titlekey crypto but no title key resolved")
			}
			s.ctrKey = c.titleKey
			return nil
		}
		s.ctrKey = c.decryptedKeyArea[2][:]
		return nil
	default:
		return fmt.Errorf("unsupported encryption tag %d", s.Encryption)
	}
}

// cipherUnit is the alignment the cipher requires for in-place work.
func (s *Section) cipherUnit() int64 {
	if s.Encryption == EncryptionXTS {
		return SectorSize
	}
	return crypto.CTRBlockSize
}

// xtsSector maps an absolute content offset to the payload XTS sector
// number: V0 sectors are numbered across the whole archive past the
// header, later formats restart at each section.
func (s *Section) xtsSector(contentOffset int64) uint64 {
	if s.nca.Version == Version0 {
		return uint64((contentOffset - HeaderLength) / SectorSize)
	}
	return uint64((contentOffset - s.Offset) / SectorSize)
}

func (s *Section) ctrStream(contentOffset int64, ctrVal uint32, useCtrVal bool) (stream interface{ XORKeyStream(dst, src []byte) }, err error) {
	if useCtrVal {
		return crypto.NewCTRStreamEx(s.ctrKey, s.ctrIV[:], ctrVal, contentOffset)
	}
	return crypto.NewCTRStream(s.ctrKey, s.ctrIV[:], contentOffset)
}

// Read fills out with decrypted section bytes starting at the given
// offset within the section. The shared staging buffer is held for the
// duration of the call.
func (s *Section) Read(out []byte, offset int64) error {
	staging.Lock()
	defer staging.Unlock()
	return s.readLocked(out, offset, 0, false)
}

// ReadBucket reads a CTR-Ex section range with the caller's 32-bit
// counter value mixed into the IV, as required when addressing bucket
// tables and patched ranges.
func (s *Section) ReadBucket(out []byte, offset int64, ctrVal uint32) error {
	if s.Encryption != EncryptionCTREx {
		return fmt.Errorf("bucket read on %s section", s.Encryption)
	}
	staging.Lock()
	defer staging.Unlock()
	return s.readLocked(out, offset, ctrVal, true)
}

func (s *Section) checkRange(length, offset int64) error {
	if offset < 0 || length < 0 || offset+length > s.Size {
		return fmt.Errorf("range 0x%X+0x%X outside section of size 0x%X", offset, length, s.Size)
	}
	return nil
}

func (s *Section) readLocked(out []byte, offset int64, ctrVal uint32, useCtrVal bool) error {
	if err := s.checkRange(int64(len(out)), offset); err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}

	contentOffset := s.Offset + offset
	if s.Encryption == EncryptionNone {
		_, err := s.nca.reader.ReadAt(out, contentOffset)
		return err
	}

	unit := s.cipherUnit()
	if contentOffset%unit == 0 && int64(len(out))%unit == 0 {
		// Fast path: decrypt in place in the caller's buffer.
		if _, err := s.nca.reader.ReadAt(out, contentOffset); err != nil {
			return err
		}
		return s.decryptInPlace(out, contentOffset, ctrVal, useCtrVal)
	}

	// Slow path: stage the enclosing aligned span, decrypt, copy the
	// requested sub-range out. Spans beyond the staging buffer recurse
	// on the (aligned) tail.
	alignedStart := contentOffset - contentOffset%unit
	alignedEnd := contentOffset + int64(len(out))
	if rem := alignedEnd % unit; rem != 0 {
		alignedEnd += unit - rem
	}
	span := alignedEnd - alignedStart

	chunk := span
	if chunk > StagingBufferSize {
		chunk = StagingBufferSize
	}

	buf := stagingBuffer()[:chunk]
	if _, err := s.nca.reader.ReadAt(buf, alignedStart); err != nil {
		return err
	}
	if err := s.decryptInPlace(buf, alignedStart, ctrVal, useCtrVal); err != nil {
		return err
	}

	head := contentOffset - alignedStart
	avail := chunk - head
	if avail > int64(len(out)) {
		avail = int64(len(out))
	}
	copy(out[:avail], buf[head:head+avail])

	if avail < int64(len(out)) {
		return s.readLocked(out[avail:], offset+avail, ctrVal, useCtrVal)
	}
	return nil
}

func (s *Section) decryptInPlace(data []byte, contentOffset int64, ctrVal uint32, useCtrVal bool) error {
	switch s.Encryption {
	case EncryptionXTS:
		return s.xts.Decrypt(data, s.xtsSector(contentOffset))
	case EncryptionCTR, EncryptionCTREx:
		stream, err := s.ctrStream(contentOffset, ctrVal, useCtrVal)
		if err != nil {
			return err
		}
		stream.XORKeyStream(data, data)
		return nil
	default:
		return nil
	}
}

func (s *Section) encryptInPlace(data []byte, contentOffset int64) error {
	switch s.Encryption {
	case EncryptionXTS:
		return s.xts.Encrypt(data, s.xtsSector(contentOffset))
	case EncryptionCTR, EncryptionCTREx:
		// CTR is its own inverse.
		stream, err := s.ctrStream(contentOffset, 0, false)
		if err != nil {
			return err
		}
		stream.XORKeyStream(data, data)
		return nil
	default:
		return nil
	}
}

// EncryptBlock re-encrypts a plaintext replacement for a section range at
// its original storage offsets. The returned entry carries a freshly
// allocated ciphertext block and its absolute archive position; unaligned
// ranges are widened to the enclosing cipher unit.
func (s *Section) EncryptBlock(plain []byte, offset int64) (*PatchEntry, error) {
	staging.Lock()
	defer staging.Unlock()
	return s.encryptBlockLocked(plain, offset)
}

func (s *Section) encryptBlockLocked(plain []byte, offset int64) (*PatchEntry, error) {
	if s.sparse {
		return nil, ErrSparseSection
	}
	if err := s.checkRange(int64(len(plain)), offset); err != nil {
		return nil, err
	}
	if len(plain) == 0 {
		return nil, fmt.Errorf("empty plaintext block")
	}

	contentOffset := s.Offset + offset
	unit := s.cipherUnit()

	if s.Encryption == EncryptionNone || (contentOffset%unit == 0 && int64(len(plain))%unit == 0) {
		data := make([]byte, len(plain))
		copy(data, plain)
		if err := s.encryptInPlace(data, contentOffset); err != nil {
			return nil, err
		}
		return &PatchEntry{Data: data, Offset: contentOffset, Size: int64(len(data))}, nil
	}

	alignedStart := contentOffset - contentOffset%unit
	alignedEnd := contentOffset + int64(len(plain))
	if rem := alignedEnd % unit; rem != 0 {
		alignedEnd += unit - rem
	}
	span := alignedEnd - alignedStart

	buf := make([]byte, span)
	if err := s.readLocked(buf, alignedStart-s.Offset, 0, false); err != nil {
		return nil, err
	}
	copy(buf[contentOffset-alignedStart:], plain)
	if err := s.encryptInPlace(buf, alignedStart); err != nil {
		return nil, err
	}
	return &PatchEntry{Data: buf, Offset: alignedStart, Size: span}, nil
}

// HasSparseLayer reports whether the section is materialized through a
// sparse indirection table.
func (s *Section) HasSparseLayer() bool { return s.sparse }

// Archive returns the owning archive context.
func (s *Section) Archive() *Context { return s.nca }

// CounterSeed returns the section's 16-byte base counter seed.
func (s *Section) CounterSeed() [16]byte { return s.ctrIV }

// SparseCounterSeed returns the sparse-layer counter seed; the second
// return is false when the section has no sparse layer.
func (s *Section) SparseCounterSeed() ([16]byte, bool) {
	return s.sparseIV, s.sparse
}
