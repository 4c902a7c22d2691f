package aether

import "testing"

func TestSeqAfterOrdinaryOrder(t *testing.T) {
	if !Seq(5).After(Seq(3)) {
		t.Error("5 should be after 3")
	}
	if Seq(3).After(Seq(5)) {
		t.Error("3 should not be after 5")
	}
	if Seq(5).After(Seq(5)) {
		t.Error("a value is never after itself")
	}
}

func TestSeqWraparound(t *testing.T) {
	// The boundary behavior spec section 8 names: seq 0x0000 must order
	// after 0xFFFF.
	if !Seq(0).After(Seq(0xFFFF)) {
		t.Error("0x0000 should be after 0xFFFF across the wraparound")
	}
	if Seq(0xFFFF).After(Seq(0)) {
		t.Error("0xFFFF should not be after 0x0000 across the wraparound")
	}
}

func TestSeqBeforeIsMirror(t *testing.T) {
	a, b := Seq(10), Seq(20)
	if a.Before(b) != b.After(a) {
		t.Error("Before must mirror After")
	}
}

func TestSeqAtOrAfter(t *testing.T) {
	if !Seq(5).AtOrAfter(Seq(5)) {
		t.Error("a value is at-or-after itself")
	}
	if !Seq(6).AtOrAfter(Seq(5)) {
		t.Error("6 is at-or-after 5")
	}
	if Seq(4).AtOrAfter(Seq(5)) {
		t.Error("4 is not at-or-after 5")
	}
}

func TestSeqAddWraps(t *testing.T) {
	if got := Seq(0xFFFF).Add(1); got != Seq(0) {
		t.Errorf("0xFFFF + 1 = %d, want 0", got)
	}
}

func TestSeqDistance(t *testing.T) {
	if got := Seq(10).Distance(Seq(3)); got != 7 {
		t.Errorf("Distance(10, 3) = %d, want 7", got)
	}
}
