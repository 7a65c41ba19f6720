package sha256

import "testing"

const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New(0)
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloWorld {
		t.Fatalf("expected %s, got %s", helloWorld, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherTruncates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		length int
		want   string
	}{
		{12, helloWorld[:12]},
		{64, helloWorld},
		{100, helloWorld},
		{-1, helloWorld},
	}
	for _, tt := range tests {
		got, err := New(tt.length).Hash([]byte("hello world"))
		if err != nil {
			t.Fatalf("Hash() error = %v", err)
		}
		if got != tt.want {
			t.Fatalf("New(%d).Hash() = %s, want %s", tt.length, got, tt.want)
		}
	}
}
