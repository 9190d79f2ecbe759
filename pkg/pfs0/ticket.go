package pfs0

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/Johnson4242/nxdumptool/pkg/keys"
)

// Ticket field offsets for the common (v2) layout.
const (
	ticketTitleKeyOffset = 0x180
	ticketKeyGenOffset   = 0x285
	ticketRightsIDOffset = 0x2A0
	ticketReadSize       = 0x2B0
)

// TicketStore resolves title keys from tickets found in PFS0 containers.
// It implements keys.TicketProvider.
type TicketStore struct {
	store  *keys.Store
	titles map[[16]byte][16]byte
}

// NewTicketStore returns an empty TicketStore unwrapping title keys with
// the given key store's title KEKs.
func NewTicketStore(store *keys.Store) *TicketStore {
	return &TicketStore{
		store:  store,
		titles: make(map[[16]byte][16]byte),
	}
}

// Scan walks a PFS0 container for .tik entries and caches their
// decrypted title keys by rights id. Unreadable tickets are skipped.
func (t *TicketStore) Scan(r io.ReaderAt, files []File, headerSize int64) error {
	var lastErr error
	for _, f := range files {
		if strings.ToLower(filepath.Ext(f.Name)) != ".tik" {
			continue
		}
		if err := t.addTicket(SectionReader(r, f, headerSize)); err != nil {
			lastErr = fmt.Errorf("ticket %s: %w", f.Name, err)
		}
	}
	return lastErr
}

func (t *TicketStore) addTicket(r io.ReaderAt) error {
	buf := make([]byte, ticketReadSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return err
	}

	var rightsID [16]byte
	copy(rightsID[:], buf[ticketRightsIDOffset:ticketRightsIDOffset+16])
	keyGen := buf[ticketKeyGenOffset]
	encrypted := buf[ticketTitleKeyOffset : ticketTitleKeyOffset+16]

	dec, err := t.store.DecryptTitleKey(encrypted, keyGen)
	if err != nil {
		return err
	}

	var titleKey [16]byte
	copy(titleKey[:], dec)
	t.titles[rightsID] = titleKey
	return nil
}

// TitleKey implements keys.TicketProvider.
func (t *TicketStore) TitleKey(rightsID [16]byte, fromRemovable bool) ([]byte, error) {
	key, ok := t.titles[rightsID]
	if !ok {
		return nil, fmt.Errorf("rights id %x: %w", rightsID, keys.ErrKeyNotFound)
	}
	out := make([]byte, 16)
	copy(out, key[:])
	return out, nil
}
