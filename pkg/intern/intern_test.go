package intern

import "testing"

func TestStringDeduplicates(t *testing.T) {
	Reset()

	a := String("DEV-1")
	b := String("DEV" + "-1")
	if a != b {
		t.Errorf("interned strings differ: %q vs %q", a, b)
	}
	if Size() != 1 {
		t.Errorf("Size() = %d, want 1", Size())
	}
}

func TestLongStringsBypassPool(t *testing.T) {
	Reset()

	long := make([]byte, maxInternLen+1)
	for i := range long {
		long[i] = 'x'
	}
	String(string(long))
	if Size() != 0 {
		t.Errorf("long string was interned, Size() = %d", Size())
	}
}

func TestBytes(t *testing.T) {
	Reset()

	a := Bytes([]byte("SIG"))
	b := String("SIG")
	if a != b {
		t.Errorf("Bytes and String disagree: %q vs %q", a, b)
	}
}

func TestReset(t *testing.T) {
	Reset()
	String("transient")
	Reset()
	if Size() != 0 {
		t.Errorf("Size() after Reset = %d, want 0", Size())
	}
}
