// Package ncz reconstructs raw content archives from their compressed
// (NCZ) form: the plain header is copied through, the zstd payload is
// decompressed and the section spans are re-encrypted with the keys and
// counters stored in the section block.
package ncz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/Johnson4242/nxdumptool/pkg/crypto"
)

const (
	// MagicNCZSECTN heads the section block.
	MagicNCZSECTN = "NCZSECTN"
	// MagicNCZBLOCK heads the optional block-compression header.
	MagicNCZBLOCK = "NCZBLOCK"

	// PlainHeaderSize is the uncompressed archive prefix (full header
	// area) copied through verbatim.
	PlainHeaderSize = 0x4000
)

// SectionHeader heads the NCZ section block.
type SectionHeader struct {
	Magic        [8]byte // NCZSECTN
	SectionCount uint64
}

// SectionEntry describes one encrypted span of the original archive.
type SectionEntry struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// BlockHeader heads the block-compressed form.
type BlockHeader struct {
	Magic            [8]byte // NCZBLOCK
	Version          uint8   // 2
	Type             uint8   // 1
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

// Crypto types that require CTR re-encryption on reconstruction.
const (
	cryptoTypeCTR  = 3
	cryptoTypeBKTR = 4
)

// IsNCZ reports whether the reader holds an NCZ stream (section magic at
// the end of the plain header area).
func IsNCZ(r io.ReaderAt) bool {
	magic := make([]byte, 8)
	if _, err := r.ReadAt(magic, PlainHeaderSize); err != nil {
		return false
	}
	return string(magic) == MagicNCZSECTN
}

// Decompress reconstructs the raw archive bytes from an NCZ stream of
// the given size and writes them to w. Returns the number of bytes
// written.
func Decompress(r io.ReaderAt, size int64, w io.Writer) (int64, error) {
	header := make([]byte, PlainHeaderSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return 0, fmt.Errorf("read plain header: %w", err)
	}

	pos := int64(PlainHeaderSize)
	var sh SectionHeader
	if err := readStruct(r, pos, &sh); err != nil {
		return 0, fmt.Errorf("read section header: %w", err)
	}
	if string(sh.Magic[:]) != MagicNCZSECTN {
		return 0, fmt.Errorf("invalid magic: expected %s, got %s", MagicNCZSECTN, sh.Magic)
	}
	if sh.SectionCount == 0 || sh.SectionCount > 0x1000 {
		return 0, fmt.Errorf("implausible section count %d", sh.SectionCount)
	}
	pos += 16

	sections := make([]SectionEntry, sh.SectionCount)
	if err := readStruct(r, pos, &sections); err != nil {
		return 0, fmt.Errorf("read section entries: %w", err)
	}
	pos += int64(sh.SectionCount) * 0x40

	ew := &encryptingWriter{w: w, offset: PlainHeaderSize, sections: sections}

	if _, err := w.Write(header); err != nil {
		return 0, err
	}

	magic := make([]byte, 8)
	if _, err := r.ReadAt(magic, pos); err != nil {
		return 0, err
	}

	var err error
	if string(magic) == MagicNCZBLOCK {
		err = decompressBlocks(r, size, pos, ew)
	} else {
		err = decompressSolid(r, size, pos, ew)
	}
	if err != nil {
		return 0, err
	}
	return ew.offset, nil
}

// Reader reconstructs the archive into memory and returns a random-access
// reader over it, plus the reconstructed size.
func Reader(r io.ReaderAt, size int64) (*bytes.Reader, int64, error) {
	var buf bytes.Buffer
	n, err := Decompress(r, size, &buf)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(buf.Bytes()), n, nil
}

func decompressSolid(r io.ReaderAt, size, pos int64, w io.Writer) error {
	zr, err := zstd.NewReader(io.NewSectionReader(r, pos, size-pos))
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = io.Copy(w, zr)
	return err
}

func decompressBlocks(r io.ReaderAt, size, pos int64, w io.Writer) error {
	var bh BlockHeader
	if err := readStruct(r, pos, &bh); err != nil {
		return fmt.Errorf("read block header: %w", err)
	}
	pos += 0x18

	if bh.Version != 2 || bh.Type != 1 {
		return fmt.Errorf("unsupported block form (version %d, type %d)", bh.Version, bh.Type)
	}

	blockSizes := make([]uint32, bh.BlockCount)
	if err := readStruct(r, pos, &blockSizes); err != nil {
		return fmt.Errorf("read block size table: %w", err)
	}
	pos += int64(bh.BlockCount) * 4

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	blockSize := int64(1) << bh.BlockSizeExp
	remaining := int64(bh.DecompressedSize)

	for i := uint32(0); i < bh.BlockCount; i++ {
		want := blockSize
		if want > remaining {
			want = remaining
		}

		compressed := make([]byte, blockSizes[i])
		if _, err := r.ReadAt(compressed, pos); err != nil {
			return fmt.Errorf("read block %d: %w", i, err)
		}
		pos += int64(blockSizes[i])

		// Blocks stored at full size are uncompressed.
		var plain []byte
		if int64(blockSizes[i]) >= want {
			plain = compressed[:want]
		} else {
			plain, err = dec.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("decompress block %d: %w", i, err)
			}
		}

		if _, err := w.Write(plain); err != nil {
			return err
		}
		remaining -= int64(len(plain))
	}
	return nil
}

func readStruct(r io.ReaderAt, pos int64, v interface{}) error {
	return binary.Read(io.NewSectionReader(r, pos, 1<<62), binary.LittleEndian, v)
}

// encryptingWriter re-encrypts the decompressed stream where it crosses
// CTR-encrypted section spans, then forwards it. CTR is its own inverse,
// so the teacher's decrypt-on-read construction applies unchanged.
type encryptingWriter struct {
	w        io.Writer
	offset   int64
	sections []SectionEntry
}

func (ew *encryptingWriter) Write(p []byte) (int, error) {
	// Copy so the zstd decoder's reused buffers stay untouched.
	chunk := make([]byte, len(p))
	copy(chunk, p)

	chunkStart := uint64(ew.offset)
	chunkEnd := chunkStart + uint64(len(chunk))

	for _, sec := range ew.sections {
		if sec.CryptoType != cryptoTypeCTR && sec.CryptoType != cryptoTypeBKTR {
			continue
		}
		secEnd := sec.Offset + sec.Size
		if chunkStart >= secEnd || chunkEnd <= sec.Offset {
			continue
		}

		start := chunkStart
		if sec.Offset > start {
			start = sec.Offset
		}
		end := chunkEnd
		if secEnd < end {
			end = secEnd
		}

		slice := chunk[start-chunkStart : end-chunkStart]
		stream, err := crypto.NewCTRStream(sec.CryptoKey[:], sec.CryptoCounter[:], int64(start))
		if err != nil {
			return 0, err
		}
		stream.XORKeyStream(slice, slice)
	}

	n, err := ew.w.Write(chunk)
	ew.offset += int64(n)
	return n, err
}
