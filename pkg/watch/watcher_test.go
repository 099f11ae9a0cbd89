package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mdview/mdview/pkg/bus"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T) (*Watcher, *bus.Bus, string) {
	t.Helper()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "README.md"), "# readme\n")
	writeFile(t, filepath.Join(root, "docs", "guide.md"), "# guide\n")
	writeFile(t, filepath.Join(root, ".hidden", "secret.md"), "shh\n")
	writeFile(t, filepath.Join(root, "notes.txt"), "not markdown\n")

	b := bus.New()
	t.Cleanup(b.Close)

	w, err := New(root, b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, b, root
}

// waitForKind drains the subscription until an event of the wanted
// kind arrives or the deadline passes.
func waitForKind(t *testing.T, sub *bus.Subscription, kind bus.EventKind, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed while waiting")
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestScanFiltersAndSorts(t *testing.T) {
	w, _, _ := newTestWatcher(t)

	files, err := w.Scan()
	if err != nil {
		t.Fatal(err)
	}

	byPath := make(map[string]bus.FileInfo, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	if _, ok := byPath["README.md"]; !ok {
		t.Error("scan missing README.md")
	}
	if f, ok := byPath["docs"]; !ok || !f.Dir {
		t.Error("scan missing docs directory entry")
	}
	if _, ok := byPath["docs/guide.md"]; !ok {
		t.Error("scan missing nested markdown file")
	}
	if _, ok := byPath["notes.txt"]; ok {
		t.Error("non-markdown file leaked into the scan")
	}
	for p := range byPath {
		if filepath.Base(p) == "secret.md" || p == ".hidden" {
			t.Errorf("hidden entry leaked: %s", p)
		}
	}

	for i := 1; i < len(files); i++ {
		if files[i-1].Path >= files[i].Path {
			t.Fatalf("scan not sorted: %q before %q", files[i-1].Path, files[i].Path)
		}
	}
}

func TestAttachRejectsEscapingPaths(t *testing.T) {
	w, _, _ := newTestWatcher(t)

	if err := w.Attach("../outside.md"); err == nil {
		t.Fatal("expected error for path escaping the root")
	}
}

func TestAttachPublishesSnapshot(t *testing.T) {
	w, b, _ := newTestWatcher(t)

	sub := b.Subscribe(bus.TransportWebSocket, bus.KindDirectoryUpdate)
	defer b.Unsubscribe(sub.ID)

	if err := w.Attach("README.md"); err != nil {
		t.Fatal(err)
	}

	evt := waitForKind(t, sub, bus.KindDirectoryUpdate, time.Second)
	if len(evt.Directory.Files) == 0 {
		t.Error("snapshot is empty")
	}
}

func TestStartPublishesInitialSnapshot(t *testing.T) {
	w, b, _ := newTestWatcher(t)

	sub := b.Subscribe(bus.TransportWebSocket, bus.KindDirectoryUpdate)
	defer b.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitForKind(t, sub, bus.KindDirectoryUpdate, time.Second)
}

func TestCreatePublishesDirectoryUpdate(t *testing.T) {
	w, b, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	sub := b.Subscribe(bus.TransportWebSocket, bus.KindDirectoryUpdate)
	defer b.Unsubscribe(sub.ID)

	writeFile(t, filepath.Join(root, "new.md"), "# new\n")

	evt := waitForKind(t, sub, bus.KindDirectoryUpdate, 3*time.Second)
	var found bool
	for _, f := range evt.Directory.Files {
		if f.Path == "new.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("snapshot does not contain the new file: %+v", evt.Directory.Files)
	}
}

func TestWriteToCurrentFilePublishesFileChanged(t *testing.T) {
	w, b, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Attach("README.md"); err != nil {
		t.Fatal(err)
	}

	sub := b.Subscribe(bus.TransportWebSocket, bus.KindFileChanged)
	defer b.Unsubscribe(sub.ID)

	writeFile(t, filepath.Join(root, "README.md"), "# readme, edited\n")

	evt := waitForKind(t, sub, bus.KindFileChanged, 3*time.Second)
	if evt.File.Path != "README.md" {
		t.Errorf("expected README.md, got %q", evt.File.Path)
	}
}

func TestWriteToOtherFileDoesNotPublishFileChanged(t *testing.T) {
	w, b, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Attach("README.md"); err != nil {
		t.Fatal(err)
	}

	sub := b.Subscribe(bus.TransportWebSocket, bus.KindFileChanged)
	defer b.Unsubscribe(sub.ID)

	writeFile(t, filepath.Join(root, "docs", "guide.md"), "# guide, edited\n")

	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected file_changed for non-displayed file: %+v", evt.File)
	case <-time.After(300 * time.Millisecond):
	}
}
