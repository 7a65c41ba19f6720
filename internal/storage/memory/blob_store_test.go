package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"data":[]}`)
	uri, err := store.PutObject(context.Background(), "pages/2024-05-10/run/SP-1-abc.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://pages/2024-05-10/run/SP-1-abc.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, ok := store.Object("pages/2024-05-10/run/SP-1-abc.json")
	if !ok || string(stored) != `{"data":[]}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
}
