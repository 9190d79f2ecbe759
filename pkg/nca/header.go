package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header is the plaintext archive header. Parsed fields mirror the raw
// image; mutations go through setters so the raw image and the parsed
// view stay in sync (reserved regions are preserved byte-exact).
type Header struct {
	MainSignature [0x100]byte
	AcidSignature [0x100]byte

	Magic                      [4]byte
	DistributionType           DistributionType
	ContentType                ContentType
	KeyGenerationOld           uint8
	KaekIndex                  uint8
	ContentSize                uint64
	ProgramID                  uint64
	ContentIndex               uint32
	SdkAddonVersion            uint32
	KeyGeneration              uint8
	MainSignatureKeyGeneration uint8
	RightsID                   [16]byte
	FsInfo                     [MaxSections]FsInfo
	FsHeaderHash               [MaxSections][32]byte
	EncryptedKeyArea           [MaxSections][16]byte

	raw [HeaderLength]byte
}

// FsInfo locates a section on disk in sector units.
type FsInfo struct {
	StartSector    uint32
	EndSector      uint32
	HashSectorSize uint32
	Reserved       uint32
}

// IsZero reports whether the entry is all-zero, i.e. the slot is
// unoccupied.
func (fi FsInfo) IsZero() bool {
	return fi.StartSector == 0 && fi.EndSector == 0 && fi.HashSectorSize == 0 && fi.Reserved == 0
}

func parseHeader(raw []byte) (*Header, error) {
	if len(raw) != HeaderLength {
		return nil, fmt.Errorf("header must be 0x%X bytes, got 0x%X", HeaderLength, len(raw))
	}

	h := &Header{}
	copy(h.raw[:], raw)

	copy(h.MainSignature[:], raw[0x000:0x100])
	copy(h.AcidSignature[:], raw[0x100:0x200])
	copy(h.Magic[:], raw[0x200:0x204])
	h.DistributionType = DistributionType(raw[0x204])
	h.ContentType = ContentType(raw[0x205])
	h.KeyGenerationOld = raw[0x206]
	h.KaekIndex = raw[0x207]
	h.ContentSize = binary.LittleEndian.Uint64(raw[0x208:0x210])
	h.ProgramID = binary.LittleEndian.Uint64(raw[0x210:0x218])
	h.ContentIndex = binary.LittleEndian.Uint32(raw[0x218:0x21C])
	h.SdkAddonVersion = binary.LittleEndian.Uint32(raw[0x21C:0x220])
	h.KeyGeneration = raw[0x220]
	h.MainSignatureKeyGeneration = raw[0x221]
	copy(h.RightsID[:], raw[0x230:0x240])

	for i := 0; i < MaxSections; i++ {
		base := 0x240 + i*0x10
		h.FsInfo[i] = FsInfo{
			StartSector:    binary.LittleEndian.Uint32(raw[base : base+4]),
			EndSector:      binary.LittleEndian.Uint32(raw[base+4 : base+8]),
			HashSectorSize: binary.LittleEndian.Uint32(raw[base+8 : base+12]),
			Reserved:       binary.LittleEndian.Uint32(raw[base+12 : base+16]),
		}
		copy(h.FsHeaderHash[i][:], raw[0x280+i*0x20:0x280+(i+1)*0x20])
		copy(h.EncryptedKeyArea[i][:], raw[0x300+i*0x10:0x300+(i+1)*0x10])
	}

	return h, nil
}

// serialize writes the parsed fields back into the raw image and returns
// it. Bytes not covered by parsed fields keep their on-disk values.
func (h *Header) serialize() []byte {
	raw := h.raw[:]

	copy(raw[0x000:0x100], h.MainSignature[:])
	copy(raw[0x100:0x200], h.AcidSignature[:])
	copy(raw[0x200:0x204], h.Magic[:])
	raw[0x204] = byte(h.DistributionType)
	raw[0x205] = byte(h.ContentType)
	raw[0x206] = h.KeyGenerationOld
	raw[0x207] = h.KaekIndex
	binary.LittleEndian.PutUint64(raw[0x208:0x210], h.ContentSize)
	binary.LittleEndian.PutUint64(raw[0x210:0x218], h.ProgramID)
	binary.LittleEndian.PutUint32(raw[0x218:0x21C], h.ContentIndex)
	binary.LittleEndian.PutUint32(raw[0x21C:0x220], h.SdkAddonVersion)
	raw[0x220] = h.KeyGeneration
	raw[0x221] = h.MainSignatureKeyGeneration
	copy(raw[0x230:0x240], h.RightsID[:])

	for i := 0; i < MaxSections; i++ {
		base := 0x240 + i*0x10
		binary.LittleEndian.PutUint32(raw[base:base+4], h.FsInfo[i].StartSector)
		binary.LittleEndian.PutUint32(raw[base+4:base+8], h.FsInfo[i].EndSector)
		binary.LittleEndian.PutUint32(raw[base+8:base+12], h.FsInfo[i].HashSectorSize)
		binary.LittleEndian.PutUint32(raw[base+12:base+16], h.FsInfo[i].Reserved)
		copy(raw[0x280+i*0x20:0x280+(i+1)*0x20], h.FsHeaderHash[i][:])
		copy(raw[0x300+i*0x10:0x300+(i+1)*0x10], h.EncryptedKeyArea[i][:])
	}

	return raw
}

// versionFromMagic maps the header magic to a format version.
func versionFromMagic(magic []byte) Version {
	switch string(magic) {
	case MagicNCA0:
		return Version0
	case MagicNCA2:
		return Version2
	case MagicNCA3:
		return Version3
	default:
		return VersionInvalid
	}
}

// HasRightsID reports whether any byte of the rights-id field is set.
func (h *Header) HasRightsID() bool {
	var zero [16]byte
	return !bytes.Equal(h.RightsID[:], zero[:])
}

// EffectiveKeyGeneration is the larger of the two key-generation fields.
func (h *Header) EffectiveKeyGeneration() uint8 {
	if h.KeyGeneration > h.KeyGenerationOld {
		return h.KeyGeneration
	}
	return h.KeyGenerationOld
}

// FsHeader is the plaintext section header of one occupied slot.
type FsHeader struct {
	Version          uint16
	FsType           FsType
	HashType         HashType
	EncryptionType   EncryptionType
	MetadataHashType uint8

	// Exactly one of Flat / Integrity is set, per HashType.
	Flat      *FlatHashData
	Integrity *IntegrityHashData

	// PatchInfo carries the relocation and subsection bucket tables of a
	// patch section.
	PatchInfo [2]BucketInfo
	// CtrUpperIV is the upper counter half, stored little-endian on disk.
	CtrUpperIV uint64
	SparseInfo SparseInfo

	raw [SectionHeaderLength]byte
}

// FlatHashData is the flat-SHA256 tree descriptor.
type FlatHashData struct {
	MasterHash  [32]byte
	BlockSize   uint32
	RegionCount uint32
	Regions     [MaxFlatRegions]HashRegion
}

// HashRegion locates one layer of a flat-SHA256 tree within the section.
type HashRegion struct {
	Offset uint64
	Size   uint64
}

// IntegrityHashData is the hierarchical integrity tree descriptor.
type IntegrityHashData struct {
	Magic          [4]byte
	Version        uint32
	MasterHashSize uint32
	MaxLayers      uint32
	Levels         [IntegrityLevels]IntegrityLevel
	Salt           [32]byte
	MasterHash     [32]byte
}

// IntegrityLevel locates one level of the integrity tree. The block size
// is 1 << BlockOrder.
type IntegrityLevel struct {
	Offset     uint64
	Size       uint64
	BlockOrder uint32
	Reserved   uint32
}

// BucketInfo locates a bucket table within the section.
type BucketInfo struct {
	Offset uint64
	Size   uint64
	Header BucketHeader
}

// BucketHeader is the in-header copy of a bucket table's header.
type BucketHeader struct {
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

// SparseInfo describes a section's sparse layer, when present.
type SparseInfo struct {
	Bucket         BucketInfo
	PhysicalOffset uint64
	Generation     uint16
}

// HasSparseLayer reports whether the section carries a sparse layer.
func (si SparseInfo) HasSparseLayer() bool {
	return si.Bucket.Size > 0
}

func parseBucketInfo(raw []byte) BucketInfo {
	bi := BucketInfo{
		Offset: binary.LittleEndian.Uint64(raw[0:8]),
		Size:   binary.LittleEndian.Uint64(raw[8:16]),
	}
	copy(bi.Header.Magic[:], raw[16:20])
	bi.Header.Version = binary.LittleEndian.Uint32(raw[20:24])
	bi.Header.EntryCount = binary.LittleEndian.Uint32(raw[24:28])
	bi.Header.Reserved = binary.LittleEndian.Uint32(raw[28:32])
	return bi
}

func putBucketInfo(raw []byte, bi BucketInfo) {
	binary.LittleEndian.PutUint64(raw[0:8], bi.Offset)
	binary.LittleEndian.PutUint64(raw[8:16], bi.Size)
	copy(raw[16:20], bi.Header.Magic[:])
	binary.LittleEndian.PutUint32(raw[20:24], bi.Header.Version)
	binary.LittleEndian.PutUint32(raw[24:28], bi.Header.EntryCount)
	binary.LittleEndian.PutUint32(raw[28:32], bi.Header.Reserved)
}

func parseFsHeader(raw []byte) (*FsHeader, error) {
	if len(raw) != SectionHeaderLength {
		return nil, fmt.Errorf("section header must be 0x%X bytes, got 0x%X", SectionHeaderLength, len(raw))
	}

	fh := &FsHeader{}
	copy(fh.raw[:], raw)

	fh.Version = binary.LittleEndian.Uint16(raw[0x0:0x2])
	fh.FsType = FsType(raw[0x2])
	fh.HashType = HashType(raw[0x3])
	fh.EncryptionType = EncryptionType(raw[0x4])
	fh.MetadataHashType = raw[0x5]

	switch fh.HashType {
	case HashTypeHierarchicalSha256:
		flat := &FlatHashData{}
		copy(flat.MasterHash[:], raw[0x8:0x28])
		flat.BlockSize = binary.LittleEndian.Uint32(raw[0x28:0x2C])
		flat.RegionCount = binary.LittleEndian.Uint32(raw[0x2C:0x30])
		for i := 0; i < MaxFlatRegions; i++ {
			base := 0x30 + i*0x10
			flat.Regions[i].Offset = binary.LittleEndian.Uint64(raw[base : base+8])
			flat.Regions[i].Size = binary.LittleEndian.Uint64(raw[base+8 : base+16])
		}
		fh.Flat = flat
	case HashTypeHierarchicalIntegrity:
		integ := &IntegrityHashData{}
		copy(integ.Magic[:], raw[0x8:0xC])
		integ.Version = binary.LittleEndian.Uint32(raw[0xC:0x10])
		integ.MasterHashSize = binary.LittleEndian.Uint32(raw[0x10:0x14])
		integ.MaxLayers = binary.LittleEndian.Uint32(raw[0x14:0x18])
		for i := 0; i < IntegrityLevels; i++ {
			base := 0x18 + i*0x18
			integ.Levels[i].Offset = binary.LittleEndian.Uint64(raw[base : base+8])
			integ.Levels[i].Size = binary.LittleEndian.Uint64(raw[base+8 : base+16])
			integ.Levels[i].BlockOrder = binary.LittleEndian.Uint32(raw[base+16 : base+20])
			integ.Levels[i].Reserved = binary.LittleEndian.Uint32(raw[base+20 : base+24])
		}
		copy(integ.Salt[:], raw[0xA8:0xC8])
		copy(integ.MasterHash[:], raw[0xC8:0xE8])
		fh.Integrity = integ
	}

	fh.PatchInfo[0] = parseBucketInfo(raw[0x100:0x120])
	fh.PatchInfo[1] = parseBucketInfo(raw[0x120:0x140])
	fh.CtrUpperIV = binary.LittleEndian.Uint64(raw[0x140:0x148])

	fh.SparseInfo.Bucket = parseBucketInfo(raw[0x148:0x168])
	fh.SparseInfo.PhysicalOffset = binary.LittleEndian.Uint64(raw[0x168:0x170])
	fh.SparseInfo.Generation = binary.LittleEndian.Uint16(raw[0x170:0x172])

	return fh, nil
}

// serialize writes the parsed fields back into the raw image and returns
// it.
func (fh *FsHeader) serialize() []byte {
	raw := fh.raw[:]

	binary.LittleEndian.PutUint16(raw[0x0:0x2], fh.Version)
	raw[0x2] = byte(fh.FsType)
	raw[0x3] = byte(fh.HashType)
	raw[0x4] = byte(fh.EncryptionType)
	raw[0x5] = fh.MetadataHashType

	switch {
	case fh.Flat != nil:
		flat := fh.Flat
		copy(raw[0x8:0x28], flat.MasterHash[:])
		binary.LittleEndian.PutUint32(raw[0x28:0x2C], flat.BlockSize)
		binary.LittleEndian.PutUint32(raw[0x2C:0x30], flat.RegionCount)
		for i := 0; i < MaxFlatRegions; i++ {
			base := 0x30 + i*0x10
			binary.LittleEndian.PutUint64(raw[base:base+8], flat.Regions[i].Offset)
			binary.LittleEndian.PutUint64(raw[base+8:base+16], flat.Regions[i].Size)
		}
	case fh.Integrity != nil:
		integ := fh.Integrity
		copy(raw[0x8:0xC], integ.Magic[:])
		binary.LittleEndian.PutUint32(raw[0xC:0x10], integ.Version)
		binary.LittleEndian.PutUint32(raw[0x10:0x14], integ.MasterHashSize)
		binary.LittleEndian.PutUint32(raw[0x14:0x18], integ.MaxLayers)
		for i := 0; i < IntegrityLevels; i++ {
			base := 0x18 + i*0x18
			binary.LittleEndian.PutUint64(raw[base:base+8], integ.Levels[i].Offset)
			binary.LittleEndian.PutUint64(raw[base+8:base+16], integ.Levels[i].Size)
			binary.LittleEndian.PutUint32(raw[base+16:base+20], integ.Levels[i].BlockOrder)
			binary.LittleEndian.PutUint32(raw[base+20:base+24], integ.Levels[i].Reserved)
		}
		copy(raw[0xA8:0xC8], integ.Salt[:])
		copy(raw[0xC8:0xE8], integ.MasterHash[:])
	}

	putBucketInfo(raw[0x100:0x120], fh.PatchInfo[0])
	putBucketInfo(raw[0x120:0x140], fh.PatchInfo[1])
	binary.LittleEndian.PutUint64(raw[0x140:0x148], fh.CtrUpperIV)

	putBucketInfo(raw[0x148:0x168], fh.SparseInfo.Bucket)
	binary.LittleEndian.PutUint64(raw[0x168:0x170], fh.SparseInfo.PhysicalOffset)
	binary.LittleEndian.PutUint16(raw[0x170:0x172], fh.SparseInfo.Generation)

	return raw
}

// MasterHash returns the tree's master hash regardless of variant.
func (fh *FsHeader) MasterHash() ([32]byte, bool) {
	switch {
	case fh.Flat != nil:
		return fh.Flat.MasterHash, true
	case fh.Integrity != nil:
		return fh.Integrity.MasterHash, true
	default:
		return [32]byte{}, false
	}
}

func (fh *FsHeader) setMasterHash(hash [32]byte) {
	switch {
	case fh.Flat != nil:
		fh.Flat.MasterHash = hash
	case fh.Integrity != nil:
		fh.Integrity.MasterHash = hash
	}
}
