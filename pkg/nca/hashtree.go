package nca

import (
	"crypto/sha256"
	"fmt"
)

func sha256Sum(b []byte) [32]byte { return sha256.Sum256(b) }

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// hashLayer locates one tree layer within the section. block is the hash
// block size governing how this layer's contents are hashed into its
// parent; the last layer is the data layer.
type hashLayer struct {
	offset int64
	size   int64
	block  int64
}

// hashLayers derives the layer list from the section header. Flat trees
// use the header's region list with a constant block size; integrity
// trees have exactly six levels with per-level block orders.
func (s *Section) hashLayers() ([]hashLayer, error) {
	switch {
	case s.Header.Flat != nil:
		f := s.Header.Flat
		n := int(f.RegionCount)
		if n < 2 || n > MaxFlatRegions {
			return nil, fmt.Errorf("flat tree region count %d out of range", n)
		}
		if f.BlockSize == 0 {
			return nil, fmt.Errorf("flat tree block size is zero")
		}
		layers := make([]hashLayer, n)
		for i := 0; i < n; i++ {
			layers[i] = hashLayer{
				offset: int64(f.Regions[i].Offset),
				size:   int64(f.Regions[i].Size),
				block:  int64(f.BlockSize),
			}
		}
		return layers, nil
	case s.Header.Integrity != nil:
		integ := s.Header.Integrity
		layers := make([]hashLayer, IntegrityLevels)
		for i := 0; i < IntegrityLevels; i++ {
			lv := integ.Levels[i]
			if lv.BlockOrder == 0 || lv.BlockOrder > 31 {
				return nil, fmt.Errorf("integrity level %d block order %d out of range", i, lv.BlockOrder)
			}
			layers[i] = hashLayer{
				offset: int64(lv.Offset),
				size:   int64(lv.Size),
				block:  int64(1) << lv.BlockOrder,
			}
		}
		return layers, nil
	default:
		return nil, fmt.Errorf("section has no hash tree")
	}
}

// GeneratePatch rewrites a contiguous byte range of the section's data
// layer and produces the patch set covering every layer whose stored
// bytes must change to keep the tree authentic, the recomputed master
// hash included. The archive header is updated (section-header hash slot)
// and marked dirty.
func (s *Section) GeneratePatch(plain []byte, offset int64) (*PatchSet, error) {
	if s.sparse {
		return nil, ErrSparseSection
	}
	if len(plain) == 0 {
		return nil, fmt.Errorf("empty patch plaintext")
	}

	layers, err := s.hashLayers()
	if err != nil {
		return nil, err
	}
	last := len(layers) - 1
	if offset < 0 || offset+int64(len(plain)) > layers[last].size {
		return nil, fmt.Errorf("patch range 0x%X+0x%X outside data layer of size 0x%X", offset, len(plain), layers[last].size)
	}

	staging.Lock()
	defer staging.Unlock()

	entries := make([]*PatchEntry, len(layers))

	// Walk from the data layer up to the master-hash layer. Each pass
	// substitutes the pending bytes into the current layer, rehashes the
	// touched blocks into the parent layer and re-encrypts the touched
	// window; the parent's modified span becomes the next pending write.
	curPlain := plain
	curOff := offset
	curSize := int64(len(plain))

	for l := last; l >= 0; l-- {
		ly := layers[l]

		var readStart, readSize int64
		var parentStart, parentSize int64
		if l > 0 {
			readStart = ly.offset + (curOff/ly.block)*ly.block
			readEnd := ly.offset + ceilDiv(curOff+curSize, ly.block)*ly.block
			if end := ly.offset + ly.size; readEnd > end {
				readEnd = end
			}
			readSize = readEnd - readStart

			parentStart = (curOff / ly.block) * 32
			parentSize = ceilDiv(readSize, ly.block) * 32
			if end := layers[l-1].size; parentStart+parentSize > end {
				parentSize = end - parentStart
			}
		} else {
			// Master-hash case: the whole layer is rehashed.
			readStart = ly.offset
			readSize = ly.size
		}

		// Zero-filled so integrity-tree tail blocks hash their padding.
		allocSize := readSize
		if l > 0 {
			allocSize = ceilDiv(readSize, ly.block) * ly.block
		}
		buf := make([]byte, allocSize)
		if err := s.readLocked(buf[:readSize], readStart, 0, false); err != nil {
			return nil, fmt.Errorf("layer %d read: %w", l, err)
		}

		patchPos := ly.offset + curOff - readStart
		copy(buf[patchPos:patchPos+curSize], curPlain)

		if l > 0 {
			parentBuf := make([]byte, parentSize)
			if err := s.readLocked(parentBuf, layers[l-1].offset+parentStart, 0, false); err != nil {
				return nil, fmt.Errorf("layer %d parent read: %w", l, err)
			}

			slots := ceilDiv(readSize, ly.block)
			for k := int64(0); k < slots; k++ {
				start := k * ly.block
				eff := ly.block
				// Flat trees truncate the final block at the layer end;
				// integrity trees hash the zero-padded full block.
				if s.Header.Flat != nil && start+eff > readSize {
					eff = readSize - start
				}
				sum := sha256.Sum256(buf[start : start+eff])
				copy(parentBuf[k*32:], sum[:])
			}

			entry, err := s.encryptBlockLocked(buf[:readSize], readStart)
			if err != nil {
				return nil, fmt.Errorf("layer %d encrypt: %w", l, err)
			}
			entries[l] = entry

			curPlain = parentBuf
			curOff = parentStart
			curSize = parentSize
			continue
		}

		// Top layer: the master hash lives in the section header.
		master := sha256.Sum256(buf[:readSize])
		s.Header.setMasterHash(master)
		s.Header.serialize()

		entry, err := s.encryptBlockLocked(buf[:readSize], readStart)
		if err != nil {
			return nil, fmt.Errorf("layer %d encrypt: %w", l, err)
		}
		entries[l] = entry
	}

	// The section header changed, so the archive header's hash slot for
	// it must follow, and the header needs re-encryption on write-back.
	c := s.nca
	c.Header.FsHeaderHash[s.Index] = sha256Sum(s.Header.raw[:])
	c.Header.serialize()
	c.markHeaderDirty()

	return &PatchSet{ContentID: c.contentID, Entries: entries}, nil
}
