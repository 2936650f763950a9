package registry

import "testing"

type fakeHandle struct{ hash [20]byte }

func (f fakeHandle) InfoHash() [20]byte { return f.hash }

func TestRegisterFindRemove(t *testing.T) {
	h := fakeHandle{hash: [20]byte{9, 9, 9}}

	if _, ok := Find(h.InfoHash()); ok {
		t.Fatalf("expected no handle registered yet")
	}

	Register(h)
	got, ok := Find(h.InfoHash())
	if !ok {
		t.Fatalf("expected Find to return the registered handle")
	}
	if got.InfoHash() != h.InfoHash() {
		t.Fatalf("InfoHash mismatch")
	}

	Remove(h.InfoHash())
	if _, ok := Find(h.InfoHash()); ok {
		t.Fatalf("expected Find to fail after Remove")
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	hash := [20]byte{1, 2, 3}
	Register(fakeHandle{hash: hash})
	Register(fakeHandle{hash: hash})

	got, ok := Find(hash)
	if !ok || got.InfoHash() != hash {
		t.Fatalf("expected the second registration to replace the first cleanly")
	}
	Remove(hash)
}
