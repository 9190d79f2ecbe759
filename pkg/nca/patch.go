package nca

// PatchEntry is one re-encrypted span that must overwrite the archive
// range [Offset, Offset+Size) to keep a hash layer authentic.
type PatchEntry struct {
	Data   []byte
	Offset int64
	Size   int64

	written bool
}

// Written reports whether the entry's tail has been consumed by Apply.
func (e *PatchEntry) Written() bool { return e.written }

// Apply overlays the entry onto a caller buffer representing the archive
// range [bufOffset, bufOffset+len(buf)). It returns true once the
// entry's tail has been consumed; an already-written entry is left alone
// and reports true.
func (e *PatchEntry) Apply(buf []byte, bufOffset int64) bool {
	if e.written {
		return true
	}

	bufEnd := bufOffset + int64(len(buf))
	patchEnd := e.Offset + e.Size
	if bufOffset >= patchEnd || bufEnd <= e.Offset {
		return false
	}

	var srcStart, dstStart int64
	if bufOffset > e.Offset {
		srcStart = bufOffset - e.Offset
	}
	if e.Offset > bufOffset {
		dstStart = e.Offset - bufOffset
	}

	n := e.Size - srcStart
	if rem := int64(len(buf)) - dstStart; rem < n {
		n = rem
	}
	copy(buf[dstStart:dstStart+n], e.Data[srcStart:srcStart+n])

	if srcStart+n == e.Size {
		e.written = true
	}
	return e.written
}

// PatchSet is the bundle of layer spans produced by one patch
// generation. Entries are ordered top hash layer first, data layer last.
type PatchSet struct {
	ContentID [16]byte
	Entries   []*PatchEntry
}

// Apply overlays every pending entry onto the caller buffer and returns
// true once the whole set has been written across one or more batches.
func (p *PatchSet) Apply(buf []byte, bufOffset int64) bool {
	for _, e := range p.Entries {
		e.Apply(buf, bufOffset)
	}
	return p.FullyWritten()
}

// FullyWritten reports whether every entry has been consumed.
func (p *PatchSet) FullyWritten() bool {
	for _, e := range p.Entries {
		if !e.written {
			return false
		}
	}
	return true
}

func overlayRange(data []byte, dataOffset int64, buf []byte, bufOffset int64, written *bool) {
	if *written {
		return
	}

	dataEnd := dataOffset + int64(len(data))
	bufEnd := bufOffset + int64(len(buf))
	if bufOffset >= dataEnd || bufEnd <= dataOffset {
		return
	}

	var srcStart, dstStart int64
	if bufOffset > dataOffset {
		srcStart = bufOffset - dataOffset
	}
	if dataOffset > bufOffset {
		dstStart = dataOffset - bufOffset
	}

	n := int64(len(data)) - srcStart
	if rem := int64(len(buf)) - dstStart; rem < n {
		n = rem
	}
	copy(buf[dstStart:dstStart+n], data[srcStart:srcStart+n])

	if srcStart+n == int64(len(data)) {
		*written = true
	}
}

// WriteHeaderTo overlays the encrypted archive header and every enabled
// section header onto the caller buffer, producing the write-back image
// piecewise. Returns true once all header pieces have been consumed.
// A clean header is a no-op that reports true.
func (c *Context) WriteHeaderTo(buf []byte, bufOffset int64) (bool, error) {
	if !c.headerDirty {
		return true, nil
	}
	if err := c.EncryptHeader(); err != nil {
		return false, err
	}

	overlayRange(c.encryptedHeader[:], 0, buf, bufOffset, &c.headerImageWritten)

	done := c.headerImageWritten
	for _, sec := range c.Sections {
		if sec == nil {
			continue
		}
		overlayRange(sec.encryptedHeader[:], sec.headerPos, buf, bufOffset, &sec.headerWritten)
		done = done && sec.headerWritten
	}

	if done {
		c.headerWritten = true
	}
	return done, nil
}
