package bitset

import "testing"

func TestSetAndIsSet(t *testing.T) {
	s := New(10)
	if !s.IsEmpty() {
		t.Fatalf("new set should be empty")
	}

	s.Set(3)
	s.Set(9)

	for _, i := range []int{3, 9} {
		if !s.IsSet(i) {
			t.Fatalf("expected bit %d to be set", i)
		}
	}
	for _, i := range []int{0, 1, 2, 4, 5, 6, 7, 8} {
		if s.IsSet(i) {
			t.Fatalf("expected bit %d to be clear", i)
		}
	}
	if s.IsEmpty() {
		t.Fatalf("set should not report empty after Set")
	}
}

func TestOutOfRangeIgnored(t *testing.T) {
	s := New(4)
	s.Set(100)
	s.Set(-1)
	if !s.IsEmpty() {
		t.Fatalf("out-of-range Set calls must be no-ops")
	}
	if s.IsSet(100) || s.IsSet(-1) {
		t.Fatalf("out-of-range IsSet calls must return false")
	}
}

func TestOrderedAndCount(t *testing.T) {
	s := New(8)
	s.Set(5)
	s.Set(1)
	s.Set(7)

	if got := s.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}

	want := []int{1, 5, 7}
	got := s.Ordered()
	if len(got) != len(want) {
		t.Fatalf("Ordered() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ordered() = %v, want %v", got, want)
		}
	}
}

func TestAndNot(t *testing.T) {
	a := New(8)
	a.Set(0)
	a.Set(1)
	a.Set(2)

	b := New(8)
	b.Set(1)

	diff := a.AndNot(b)
	want := map[int]bool{0: true, 2: true}
	for i := 0; i < 8; i++ {
		if diff.IsSet(i) != want[i] {
			t.Fatalf("AndNot bit %d = %v, want %v", i, diff.IsSet(i), want[i])
		}
	}
}

func TestFromBytesRoundTrip(t *testing.T) {
	s := New(16)
	s.Set(0)
	s.Set(15)
	s.Set(8)

	clone := FromBytes(s.Bytes(), 16)
	for _, i := range []int{0, 8, 15} {
		if !clone.IsSet(i) {
			t.Fatalf("expected bit %d set after FromBytes round-trip", i)
		}
	}
	if clone.Count() != 3 {
		t.Fatalf("Count() after round-trip = %d, want 3", clone.Count())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := New(4)
	a.Set(1)
	b := a.Clone()
	b.Set(2)

	if a.IsSet(2) {
		t.Fatalf("mutating the clone must not affect the original")
	}
}
