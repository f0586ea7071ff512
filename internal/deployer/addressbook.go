package deployer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// AddressBook maps step names to finalized contract addresses. Each name is
// written once; reads of unwritten names fail instead of yielding the zero
// address. Not safe for concurrent use.
type AddressBook struct {
	entries map[string]common.Address
	order   []string
}

// NewAddressBook creates an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{entries: make(map[string]common.Address)}
}

// Record stores addr under name.
func (b *AddressBook) Record(name string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("record %s: zero address", name)
	}
	if existing, ok := b.entries[name]; ok {
		return fmt.Errorf("record %s=%s (have %s): %w", name, addr.Hex(), existing.Hex(), deployerrors.ErrAddressAlreadyRecorded)
	}
	b.entries[name] = addr
	b.order = append(b.order, name)
	return nil
}

// Get returns the address recorded under name.
func (b *AddressBook) Get(name string) (common.Address, error) {
	addr, ok := b.entries[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%s: %w", name, deployerrors.ErrAddressNotRecorded)
	}
	return addr, nil
}

// Has reports whether name has been recorded.
func (b *AddressBook) Has(name string) bool {
	_, ok := b.entries[name]
	return ok
}

// Names returns recorded names in write order.
func (b *AddressBook) Names() []string {
	return append([]string(nil), b.order...)
}
