package contentcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFSBlobs_PutGet(t *testing.T) {
	dir := t.TempDir()
	b := NewFSBlobs(dir)
	ctx := context.Background()
	payload := []byte("<html>page</html>")
	hash := HashPayload(payload)

	ref, err := b.Put(ctx, hash, payload)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != filepath.Join(hash[:2], hash) {
		t.Errorf("ref: got %q", ref)
	}
	if left, _ := filepath.Glob(filepath.Join(dir, hash[:2], "*.tmp")); len(left) != 0 {
		t.Errorf("tmp files left: %v", left)
	}

	got, err := b.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload: got %q", got)
	}

	// Idempotent.
	if ref2, err := b.Put(ctx, hash, payload); err != nil || ref2 != ref {
		t.Errorf("second put: ref=%q err=%v", ref2, err)
	}
}

func TestFSBlobs_RejectsTraversal(t *testing.T) {
	b := NewFSBlobs(t.TempDir())
	for _, ref := range []string{"", "../etc/passwd", "/etc/passwd", "ab/../../x"} {
		if _, err := b.Get(context.Background(), ref); err == nil {
			t.Errorf("Get(%q) should fail", ref)
		}
	}
}

func TestFSBlobs_ConcurrentSameHash(t *testing.T) {
	// WHAT: parallel writers of one hash all succeed and leave one file.
	// WHY: identical pages fetched under different keys share a blob.
	dir := t.TempDir()
	b := NewFSBlobs(dir)
	payload := []byte("<html>shared</html>")
	hash := HashPayload(payload)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Put(context.Background(), hash, payload); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("put: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, hash[:2]))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != hash {
		t.Errorf("blob dir: %v", entries)
	}
	got, err := b.Get(context.Background(), filepath.Join(hash[:2], hash))
	if err != nil || string(got) != string(payload) {
		t.Errorf("get: %q %v", got, err)
	}
}
