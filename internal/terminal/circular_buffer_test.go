package terminal

import (
	"bytes"
	"testing"
)

func TestCircularBufferKeepsOrderAcrossWrap(t *testing.T) {
	t.Parallel()

	cb := NewCircularBuffer(8)
	cb.Write([]byte("abcde"))
	cb.Write([]byte("fgh"))
	if got := cb.String(); got != "abcdefgh" {
		t.Fatalf("String() = %q, want abcdefgh", got)
	}

	cb.Write([]byte("ij"))
	if got := cb.String(); got != "cdefghij" {
		t.Fatalf("String() after wrap = %q, want cdefghij", got)
	}
	if cb.Len() != 8 {
		t.Errorf("Len() = %d, want 8", cb.Len())
	}
	if cb.Written() != 10 {
		t.Errorf("Written() = %d, want 10", cb.Written())
	}
}

func TestCircularBufferOversizedWrite(t *testing.T) {
	t.Parallel()

	cb := NewCircularBuffer(4)
	cb.Write([]byte("xy"))
	cb.Write([]byte("0123456789"))
	if got := cb.String(); got != "6789" {
		t.Fatalf("String() = %q, want 6789", got)
	}

	cb.Write([]byte("A"))
	if got := cb.String(); got != "789A" {
		t.Fatalf("String() = %q, want 789A", got)
	}
}

func TestCircularBufferManySmallWrites(t *testing.T) {
	t.Parallel()

	const size = 7
	cb := NewCircularBuffer(size)
	var all []byte
	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, i%4+1)
		cb.Write(chunk)
		all = append(all, chunk...)

		want := all
		if len(want) > size {
			want = want[len(want)-size:]
		}
		if got := cb.Bytes(); !bytes.Equal(got, want) {
			t.Fatalf("after write %d: Bytes() = %q, want %q", i, got, want)
		}
	}
}

func TestCircularBufferResetAndDefaults(t *testing.T) {
	t.Parallel()

	cb := NewCircularBuffer(0)
	if cb.Capacity() != 100_000 {
		t.Errorf("Capacity() = %d, want default 100000", cb.Capacity())
	}
	cb.Write([]byte("hello"))
	cb.Reset()
	if cb.Len() != 0 || len(cb.Bytes()) != 0 {
		t.Errorf("buffer not empty after Reset: %q", cb.Bytes())
	}
}
