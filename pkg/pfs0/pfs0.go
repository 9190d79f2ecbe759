// Package pfs0 reads the PFS0 outer container (NSP) that packages
// archives and their tickets for transport.
package pfs0

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header represents the header of a PFS0 partition.
type Header struct {
	Magic           [4]byte
	NumFiles        uint32
	StringTableSize uint32
	Reserved        uint32
}

// FileEntry represents a file entry in the PFS0 header.
type FileEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	Reserved   uint32
}

// File pairs an entry with its resolved name.
type File struct {
	Name  string
	Entry FileEntry
}

// Open reads a PFS0 container and returns the file entries plus the
// offset at which file data starts.
func Open(r io.ReaderAt) ([]File, int64, error) {
	sr := io.NewSectionReader(r, 0, 1<<62)

	var header Header
	if err := binary.Read(sr, binary.LittleEndian, &header); err != nil {
		return nil, 0, err
	}

	if string(header.Magic[:]) != "PFS0" {
		return nil, 0, fmt.Errorf("invalid magic: expected PFS0, got %s", header.Magic)
	}

	entries := make([]FileEntry, header.NumFiles)
	if err := binary.Read(sr, binary.LittleEndian, &entries); err != nil {
		return nil, 0, err
	}

	stringTable := make([]byte, header.StringTableSize)
	if _, err := io.ReadFull(sr, stringTable); err != nil {
		return nil, 0, err
	}

	files := make([]File, header.NumFiles)
	for i, entry := range entries {
		name, err := getName(stringTable, entry.NameOffset)
		if err != nil {
			return nil, 0, err
		}
		files[i] = File{
			Name:  name,
			Entry: entry,
		}
	}

	// Data starts after Header + Entries + StringTable
	headerSize := int64(16 + len(entries)*24 + len(stringTable))
	return files, headerSize, nil
}

// SectionReader returns a reader over one contained file's data.
func SectionReader(r io.ReaderAt, f File, headerSize int64) *io.SectionReader {
	return io.NewSectionReader(r, headerSize+int64(f.Entry.DataOffset), int64(f.Entry.DataSize))
}

func getName(stringTable []byte, offset uint32) (string, error) {
	if offset >= uint32(len(stringTable)) {
		return "", fmt.Errorf("offset out of bounds")
	}
	end := offset
	for end < uint32(len(stringTable)) && stringTable[end] != 0 {
		end++
	}
	return string(stringTable[offset:end]), nil
}
