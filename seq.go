package aether

// Seq is a 16-bit modular sequence number (spec section 3: "fixed-width
// modular counters; comparisons use circular arithmetic").
type Seq uint16

const seqWidth = 16

// After reports whether a is circularly after b: (a - b) mod 2^16 is in
// (0, 2^15), the half-window comparison spec section 4.5 specifies. This
// is what makes seq 0x0000 correctly order after 0xFFFF (spec section 8
// wraparound boundary behavior).
func (a Seq) After(b Seq) bool {
	diff := uint16(a - b)
	return diff != 0 && diff < (1<<(seqWidth-1))
}

// Before is the mirror of After.
func (a Seq) Before(b Seq) bool { return b.After(a) }

// AtOrAfter is After or equal.
func (a Seq) AtOrAfter(b Seq) bool { return a == b || a.After(b) }

// Add returns a+n with modular wraparound.
func (a Seq) Add(n uint16) Seq { return Seq(uint16(a) + n) }

// Distance returns how many sequence numbers after b a is, assuming a is
// not before b (used to check "within window").
func (a Seq) Distance(b Seq) uint16 { return uint16(a - b) }
