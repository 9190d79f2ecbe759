package nca

import (
	"encoding/binary"
	"fmt"
)

// SubsectionEntry is one physical range of a patch section with its
// 32-bit counter generation. Size is derived from the neighboring
// entries.
type SubsectionEntry struct {
	VirtualOffset uint64
	Size          uint64
	Ctr           uint32
}

// SubsectionBucket groups subsection entries.
type SubsectionBucket struct {
	EntryCount uint32
	EndOffset  uint64
	Entries    []SubsectionEntry
}

// Bucket table layout: 16-byte header plus a base-offset table, then the
// buckets themselves.
const (
	bucketTableHeaderSize = 16
	bucketBaseOffsetsSize = 0x3FF0
)

// ReadSubsectionBuckets reads and parses the subsection bucket table of
// a patch section. The table is addressed through the section's base
// counter; the entries carry the per-range generations used for
// CTR-Ex reads.
func (s *Section) ReadSubsectionBuckets() ([]SubsectionBucket, error) {
	if s.Encryption != EncryptionCTREx {
		return nil, fmt.Errorf("subsection buckets on %s section", s.Encryption)
	}

	info := s.Header.PatchInfo[1]
	if info.Size == 0 {
		return nil, nil
	}
	if string(info.Header.Magic[:]) != MagicBKTR {
		return nil, fmt.Errorf("subsection bucket magic %q", info.Header.Magic)
	}
	if info.Offset+info.Size > uint64(s.Size) {
		return nil, fmt.Errorf("subsection bucket range 0x%X+0x%X outside section", info.Offset, info.Size)
	}

	data := make([]byte, info.Size)
	if err := s.Read(data, int64(info.Offset)); err != nil {
		return nil, fmt.Errorf("read subsection buckets: %w", err)
	}

	if len(data) < bucketTableHeaderSize {
		return nil, fmt.Errorf("subsection bucket table truncated")
	}
	bucketCount := binary.LittleEndian.Uint32(data[4:8])
	if bucketCount == 0 || bucketCount > 100 {
		return nil, fmt.Errorf("implausible bucket count %d", bucketCount)
	}

	headerSize := bucketTableHeaderSize + bucketBaseOffsetsSize
	if len(data) < headerSize {
		return nil, fmt.Errorf("subsection bucket table truncated")
	}

	buckets := make([]SubsectionBucket, 0, bucketCount)
	pos := headerSize

	for i := uint32(0); i < bucketCount; i++ {
		if pos+16 > len(data) {
			break
		}

		bucket := SubsectionBucket{
			EntryCount: binary.LittleEndian.Uint32(data[pos+4 : pos+8]),
			EndOffset:  binary.LittleEndian.Uint64(data[pos+8 : pos+16]),
		}
		if bucket.EntryCount > 0xFFFF {
			break
		}

		entriesPos := pos + 16
		for j := uint32(0); j < bucket.EntryCount; j++ {
			entryPos := entriesPos + int(j)*16
			if entryPos+16 > len(data) {
				break
			}
			bucket.Entries = append(bucket.Entries, SubsectionEntry{
				VirtualOffset: binary.LittleEndian.Uint64(data[entryPos : entryPos+8]),
				Ctr:           binary.LittleEndian.Uint32(data[entryPos+12 : entryPos+16]),
			})
		}

		// Entry sizes run to the next entry, the last one to the
		// bucket's end offset.
		for j := 0; j < len(bucket.Entries)-1; j++ {
			bucket.Entries[j].Size = bucket.Entries[j+1].VirtualOffset - bucket.Entries[j].VirtualOffset
		}
		if n := len(bucket.Entries); n > 0 {
			bucket.Entries[n-1].Size = bucket.EndOffset - bucket.Entries[n-1].VirtualOffset
		}

		buckets = append(buckets, bucket)
		pos = entriesPos + int(bucket.EntryCount)*16
	}

	return buckets, nil
}
