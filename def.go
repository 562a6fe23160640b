package vsock

import "golang.org/x/exp/constraints"

// Virtqueue indices of the socket device.
const (
	RxQueueIdx    uint16 = 0
	TxQueueIdx    uint16 = 1
	EventQueueIdx uint16 = 2
)

const (
	// QueueSize is the number of descriptors in each virtqueue and the number of receive slots.
	QueueSize = 8
	// RxBufferSize is the size in bytes of each receive slot.
	RxBufferSize = 512
)

// checkedAdd returns a+b and false if the sum overflows T.
func checkedAdd[T constraints.Unsigned](a, b T) (T, bool) {
	sum := a + b
	return sum, sum >= a
}

// satSub returns a-b, or zero if b > a.
func satSub[T constraints.Unsigned](a, b T) T {
	if b > a {
		return 0
	}
	return a - b
}
