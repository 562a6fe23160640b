package vsock

import "strconv"

// Addr is a vsock endpoint: a context identifier and a port.
type Addr struct {
	CID  uint64
	Port uint32
}

// Network returns "vsock".
func (a Addr) Network() string { return "vsock" }

func (a Addr) String() string {
	return "vm(" + strconv.FormatUint(a.CID, 10) + "):" + strconv.FormatUint(uint64(a.Port), 10)
}
