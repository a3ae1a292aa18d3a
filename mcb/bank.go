package mcb

import "sync"

// Bank is an in-memory register bank implementing Handler. Unknown
// registers read back as a DriveError with code 0x06020000.
type Bank struct {
	// OnWrite, when set, runs before a write is stored and may reject it.
	OnWrite func(subnode uint8, address uint16, data []byte) error

	mu   sync.Mutex
	regs map[uint32][]byte
}

func bankKey(subnode uint8, address uint16) uint32 { return uint32(subnode)<<16 | uint32(address) }

// Set stores data at address on subnode.
func (b *Bank) Set(subnode uint8, address uint16, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs == nil {
		b.regs = make(map[uint32][]byte)
	}
	b.regs[bankKey(subnode, address)] = append([]byte(nil), data...)
}

// Get returns the stored value.
func (b *Bank) Get(subnode uint8, address uint16) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.regs[bankKey(subnode, address)]
	return append([]byte(nil), v...), ok
}

func (b *Bank) ReadRegister(subnode uint8, address uint16) ([]byte, error) {
	v, ok := b.Get(subnode, address)
	if !ok {
		return nil, &DriveError{Address: address, Code: 0x06020000}
	}
	return v, nil
}

func (b *Bank) WriteRegister(subnode uint8, address uint16, data []byte) error {
	if b.OnWrite != nil {
		if err := b.OnWrite(subnode, address, data); err != nil {
			return err
		}
	}
	b.Set(subnode, address, data)
	return nil
}
