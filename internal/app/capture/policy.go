package capture

import "fmt"

// OverflowPolicy decides what the capture loop does when a session queue is
// full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest unread frame so one slow viewer never
	// stalls the others.
	DropOldest OverflowPolicy = iota
	// Block waits for room in the queue. A single slow viewer stalls frame
	// delivery to every session (head-of-line stall).
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown queue policy %q", s)
	}
}
