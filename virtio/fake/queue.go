package fake

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/virtio"
)

var (
	// ErrNoAvailable is returned on the device side when the driver has not
	// made any buffer available.
	ErrNoAvailable = errors.New("fake: no available buffer")
	// ErrTooLarge is returned when device data does not fit the available chain.
	ErrTooLarge = errors.New("fake: data larger than available buffer")
)

// Chain is a descriptor chain as submitted by the driver.
type Chain struct {
	Token   virtio.Token
	Inputs  [][]byte
	Outputs [][]byte
}

type usedElem struct {
	tok virtio.Token
	len uint32
}

// Queue is an in-memory virtqueue. The driver side implements [virtio.Queue];
// Device* methods play the device.
//
// Freed descriptors are reused last-in first-out, so a chain added right
// after a pop receives the token that was just popped.
type Queue struct {
	mu       sync.Mutex
	size     uint16
	chains   []Chain
	inflight []bool
	free     []virtio.Token
	avail    []virtio.Token
	used     []usedElem
	noNotify bool
}

// NewQueue returns a queue with size descriptors.
func NewQueue(size uint16) *Queue {
	q := &Queue{
		size:     size,
		chains:   make([]Chain, size),
		inflight: make([]bool, size),
		free:     make([]virtio.Token, size),
	}
	for i := range q.free {
		// Top of the stack is the lowest token.
		q.free[i] = virtio.Token(int(size) - 1 - i)
	}
	return q
}

func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) Add(inputs, outputs [][]byte) (virtio.Token, error) {
	if len(inputs)+len(outputs) == 0 {
		return 0, virtio.ErrInvalidParam
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.free) == 0 {
		return 0, virtio.ErrQueueFull
	}
	tok := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	q.chains[tok] = Chain{Token: tok, Inputs: inputs, Outputs: outputs}
	q.inflight[tok] = true
	q.avail = append(q.avail, tok)
	return tok, nil
}

func (q *Queue) PeekUsed() (virtio.Token, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.used) == 0 {
		return 0, false
	}
	return q.used[0].tok, true
}

func (q *Queue) PopUsed(tok virtio.Token, inputs, outputs [][]byte) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.used) == 0 {
		return 0, virtio.ErrNotReady
	} else if q.used[0].tok != tok {
		return 0, virtio.ErrWrongToken
	}
	c := &q.chains[tok]
	if !sameBuffers(c.Inputs, inputs) || !sameBuffers(c.Outputs, outputs) {
		return 0, virtio.ErrWrongBuffer
	}
	n := q.used[0].len
	q.used = q.used[1:]
	*c = Chain{}
	q.inflight[tok] = false
	q.free = append(q.free, tok)
	return n, nil
}

func (q *Queue) ShouldNotify() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.noNotify
}

// SuppressNotify sets the device's notification suppression flag.
func (q *Queue) SuppressNotify(suppress bool) {
	q.mu.Lock()
	q.noNotify = suppress
	q.mu.Unlock()
}

// Available returns the chains made available by the driver that the device
// has not yet used, oldest first.
func (q *Queue) Available() []Chain {
	q.mu.Lock()
	defer q.mu.Unlock()
	chains := make([]Chain, len(q.avail))
	for i, tok := range q.avail {
		chains[i] = q.chains[tok]
	}
	return chains
}

// InFlight returns the number of chains owned by the device or waiting to be popped.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.size) - len(q.free)
}

// DeviceWrite copies data into the outputs of the oldest available chain and
// marks it used.
func (q *Queue) DeviceWrite(data []byte) (virtio.Token, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.avail) == 0 {
		return 0, ErrNoAvailable
	}
	tok := q.avail[0]
	c := &q.chains[tok]
	total := 0
	for _, out := range c.Outputs {
		total += len(out)
	}
	if len(data) > total {
		return 0, ErrTooLarge
	}
	q.avail = q.avail[1:]
	n := 0
	for _, out := range c.Outputs {
		n += copy(out, data[n:])
	}
	q.used = append(q.used, usedElem{tok: tok, len: uint32(n)})
	return tok, nil
}

// DeviceRead concatenates the inputs of the oldest available chain and marks
// it used without writing to it.
func (q *Queue) DeviceRead() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.avail) == 0 {
		return nil, false
	}
	data := q.takeInputs()
	return data, true
}

// DeviceReadAll does DeviceRead on every available chain that has no outputs.
func (q *Queue) DeviceReadAll() (packets [][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.avail) > 0 && len(q.chains[q.avail[0]].Outputs) == 0 {
		packets = append(packets, q.takeInputs())
	}
	return packets
}

func (q *Queue) takeInputs() []byte {
	tok := q.avail[0]
	q.avail = q.avail[1:]
	var data []byte
	for _, in := range q.chains[tok].Inputs {
		data = append(data, in...)
	}
	q.used = append(q.used, usedElem{tok: tok})
	return data
}

func sameBuffers(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		if len(a[i]) > 0 && &a[i][0] != &b[i][0] {
			return false
		}
	}
	return true
}
