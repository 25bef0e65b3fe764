package sha256

import "testing"

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherTruncated(t *testing.T) {
	t.Parallel()

	h, err := NewTruncated(16)
	if err != nil {
		t.Fatalf("NewTruncated() error = %v", err)
	}
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloDigest[:16] {
		t.Fatalf("expected %s, got %s", helloDigest[:16], got)
	}
}

func TestNewTruncatedRejectsBadLength(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, -1, 65} {
		if _, err := NewTruncated(n); err == nil {
			t.Fatalf("expected error for length %d", n)
		}
	}
}
