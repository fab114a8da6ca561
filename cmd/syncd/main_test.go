package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/sourcesync/syncer"
)

func TestSyncCommand(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<article data-post-id="a1"><time datetime="2025-03-10T12:00:00Z"></time><h2 class="post-title">one</h2></article>
<article data-post-id="a2"><time datetime="2025-03-10T11:00:00Z"></time><h2 class="post-title">two</h2></article>
</body></html>`)
	}))
	defer feed.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sourcesync.yaml")
	cfg := fmt.Sprintf(`db_path: %s
blob_dir: %s
log:
  level: error
fetch:
  allow_private: true
accounts:
  - id: acct-1
    page_template: "%s/{account}?before={before}"
`, filepath.Join(dir, "ss.db"), filepath.Join(dir, "blobs"), feed.URL)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"sync", "acct-1", "--full", "--config", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res syncer.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode %s: %v", out.String(), err)
	}
	if res.Status != syncer.StatusCompleted || res.NewItemsAdded != 2 {
		t.Fatalf("result: %+v", res)
	}

	// The attempt landed in the on-disk ledger.
	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"attempts", "--account", "acct-1", "--config", cfgPath})
	if err := root.Execute(); err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "success"`) {
		t.Fatalf("attempts output: %s", out.String())
	}
}

func TestSyncCommand_UnknownAccount(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SOURCESYNC_DB_PATH", filepath.Join(dir, "ss.db"))
	t.Setenv("SOURCESYNC_BLOB_DIR", filepath.Join(dir, "blobs"))
	t.Setenv("SOURCESYNC_LOG_LEVEL", "error")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"sync", "nobody", "--config", ""})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown account") {
		t.Fatalf("want unknown account, got %v", err)
	}
}
