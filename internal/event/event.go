// Package event defines the Message type exchanged between logical
// processes and the bookkeeping needed to pair a message with its
// eventual anti-message.
package event

import "fmt"

// LPID identifies a logical process, globally unique across the run.
type LPID int64

// Seq is a monotonic per-sender sequence number. Together with the
// sender's LPID it uniquely identifies a message across the system,
// and is the key used to pair a message with its anti-message.
type Seq uint64

// Time is a virtual (logical) timestamp. It carries no relation to
// wall-clock time.
type Time float64

// Reserved event types. The model must not use these; it owns every
// value strictly below ReservedTypeBase.
const (
	ReservedTypeBase uint32 = 0xFFFF0000
	TypeInit         uint32 = ReservedTypeBase + iota
	TypeFini
	TypeModelInit
	TypeModelFini
)

// Flag is a bit in a Message's flags word.
type Flag uint8

const (
	FlagReceived Flag = 1 << iota // delivered to the destination LP
	FlagProcessed                 // dispatched to the model callback
	FlagAnti                      // this is an anti-message cancelling its partner
)

// Label uniquely identifies a message (and, transitively, its
// anti-message partner) across the whole system.
type Label struct {
	Src LPID
	Seq Seq
}

func (l Label) String() string {
	return fmt.Sprintf("%d/%d", l.Src, l.Seq)
}

// Message is an event in flight or already delivered. It is immutable
// after creation except for its Flags word, which the runtime updates
// as the message moves through RECEIVED/PROCESSED/ANTI states.
type Message struct {
	Dest     LPID
	DestTime Time
	Type     uint32
	Payload  []byte

	Src LPID
	Seq Seq

	Flags Flag
}

// Label returns the (source, sequence) pair identifying this message
// and its anti-message partner.
func (m *Message) Label() Label { return Label{Src: m.Src, Seq: m.Seq} }

// IsAnti reports whether this message is an anti-message.
func (m *Message) IsAnti() bool { return m.Flags&FlagAnti != 0 }

// SetFlag sets the given flag bit.
func (m *Message) SetFlag(f Flag) { m.Flags |= f }

// HasFlag reports whether the given flag bit is set.
func (m *Message) HasFlag(f Flag) bool { return m.Flags&f != 0 }

// AntiOf builds the anti-message cancelling m: same label, destination
// and destination-time, with the ANTI flag set and no payload (the
// payload is not needed to annihilate the pair).
func AntiOf(m *Message) *Message {
	return &Message{
		Dest:     m.Dest,
		DestTime: m.DestTime,
		Type:     m.Type,
		Src:      m.Src,
		Seq:      m.Seq,
		Flags:    FlagAnti,
	}
}

// Less implements the total, deterministic tie-breaking order used by
// both the message queue and anti-message matching: primarily by
// destination time, then by (source LP, sequence number).
func Less(a, b *Message) bool {
	if a.DestTime != b.DestTime {
		return a.DestTime < b.DestTime
	}
	if a.Src != b.Src {
		return a.Src < b.Src
	}
	return a.Seq < b.Seq
}
