package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWatchGadgetsFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	gadgetsFile := filepath.Join(dir, "gadgets.yaml")
	if err := os.WriteFile(gadgetsFile, []byte("gadgets:\n  file-gadget:\n    url: http://example.com/file.xml\n    title: v1\n    views:\n      default:\n        content: v1\n"), 0o600); err != nil {
		t.Fatalf("failed to write gadgets file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  gadgets:\n    gadgetsFolder: \"\"\n    gadgetsFile: %s\ngadgets:\n  inline-gadget:\n    url: http://example.com/inline.xml\n    views:\n      default:\n        content: inline\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, gadgetsFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader(testEnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan GadgetBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchGadgets(ctx, cfg, func(bundle GadgetBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if _, ok := bundle.Gadgets["inline-gadget"]; !ok {
			t.Fatalf("inline gadget missing on initial load: %v", bundle.Gadgets)
		}
		gadget, ok := bundle.Gadgets["file-gadget"]
		if !ok {
			t.Fatalf("file gadget missing on initial load: %v", bundle.Gadgets)
		}
		if gadget.Title != "v1" {
			t.Fatalf("expected file gadget v1, got %v", gadget.Title)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(gadgetsFile, []byte("gadgets:\n  file-gadget:\n    url: http://example.com/file.xml\n    title: v2\n    views:\n      default:\n        content: v2\n"), 0o600); err != nil {
		t.Fatalf("failed to update gadgets file: %v", err)
	}

	select {
	case bundle := <-changeCh:
		gadget, ok := bundle.Gadgets["file-gadget"]
		if !ok {
			t.Fatalf("file gadget missing after reload")
		}
		if gadget.Title != "v2" {
			t.Fatalf("expected updated title, got %v", gadget.Title)
		}
		if _, ok := bundle.Gadgets["inline-gadget"]; !ok {
			t.Fatalf("inline gadget missing after reload")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchGadgetsFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	gadgetsDir := filepath.Join(dir, "gadgets")
	if err := os.MkdirAll(gadgetsDir, 0o755); err != nil {
		t.Fatalf("failed to create gadgets folder: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  gadgets:\n    gadgetsFolder: %s\ngadgets:\n  inline-gadget:\n    url: http://example.com/inline.xml\n    views:\n      default:\n        content: inline\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, gadgetsDir)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader(testEnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan GadgetBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := loader.WatchGadgets(ctx, cfg, func(bundle GadgetBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if len(bundle.Gadgets) != 1 {
			t.Fatalf("expected only inline gadget initially, got %v", bundle.Gadgets)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial event")
	}

	gadgetPath := filepath.Join(gadgetsDir, "folder.yaml")
	if err := os.WriteFile(gadgetPath, []byte("gadgets:\n  folder-gadget:\n    url: http://example.com/folder.xml\n    views:\n      default:\n        content: folder\n"), 0o600); err != nil {
		t.Fatalf("failed to create gadgets document: %v", err)
	}

	select {
	case bundle := <-changeCh:
		if _, ok := bundle.Gadgets["folder-gadget"]; !ok {
			t.Fatalf("expected folder gadget after reload: %v", bundle.Gadgets)
		}
		if _, ok := bundle.Gadgets["inline-gadget"]; !ok {
			t.Fatalf("inline gadget missing after reload")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for folder reload event")
	}
}

func TestWatchGadgetsRequiresSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Gadgets.GadgetsFolder = ""
	if _, err := NewLoader(testEnvPrefix).WatchGadgets(context.Background(), cfg, func(GadgetBundle) {}, nil); err == nil {
		t.Fatalf("expected error without a gadgets source")
	}
	if _, err := NewLoader(testEnvPrefix).WatchGadgets(context.Background(), DefaultConfig(), nil, nil); err == nil {
		t.Fatalf("expected error without a change callback")
	}
}

func TestGadgetSourceWatchRelevantEvents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "gadgets.yaml")
	var reported []error
	w := &gadgetSourceWatch{
		targetFile: target,
		dirs:       map[string]struct{}{},
		onError:    func(err error) { reported = append(reported, err) },
	}

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{name: "write to target", event: fsnotify.Event{Name: target, Op: fsnotify.Write}, want: true},
		{name: "rename onto target", event: fsnotify.Event{Name: target, Op: fsnotify.Create}, want: true},
		{name: "sibling file", event: fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write}},
		{name: "editor swap file", event: fsnotify.Event{Name: target + ".swp", Op: fsnotify.Create}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.relevant(tc.event); got != tc.want {
				t.Fatalf("relevant(%v) = %v, want %v", tc.event, got, tc.want)
			}
		})
	}

	if !w.relevant(fsnotify.Event{Name: target, Op: fsnotify.Remove}) {
		t.Fatalf("expected removal of the target to trigger a reload")
	}
	if len(reported) != 1 {
		t.Fatalf("expected removal to be reported once, got %v", reported)
	}

	folder := &gadgetSourceWatch{dirs: map[string]struct{}{}}
	if folder.relevant(fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write}) {
		t.Fatalf("expected unsupported extension to be ignored in folder mode")
	}
	if !folder.relevant(fsnotify.Event{Name: filepath.Join(dir, "more.json"), Op: fsnotify.Write}) {
		t.Fatalf("expected json document to trigger a reload in folder mode")
	}
}

func TestGadgetSourceWatchSkipsUnchangedBundles(t *testing.T) {
	dir := t.TempDir()
	gadgetsFile := filepath.Join(dir, "gadgets.yaml")
	if err := os.WriteFile(gadgetsFile, []byte("gadgets:\n  clock:\n    url: http://example.com/clock.xml\n    views:\n      default:\n        content: tick\n"), 0o600); err != nil {
		t.Fatalf("failed to write gadgets file: %v", err)
	}

	source := GadgetsConfig{GadgetsFile: gadgetsFile}
	initial, err := buildGadgetBundle(context.Background(), nil, source)
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}

	deliveries := 0
	w := &gadgetSourceWatch{
		source:   source,
		onChange: func(GadgetBundle) { deliveries++ },
		last:     initial,
	}
	w.reload(context.Background())
	if deliveries != 0 {
		t.Fatalf("expected identical bundle to be suppressed, got %d deliveries", deliveries)
	}

	if err := os.WriteFile(gadgetsFile, []byte("gadgets:\n  clock:\n    url: http://example.com/clock.xml\n    views:\n      default:\n        content: tock\n"), 0o600); err != nil {
		t.Fatalf("failed to rewrite gadgets file: %v", err)
	}
	w.reload(context.Background())
	if deliveries != 1 {
		t.Fatalf("expected changed bundle to be delivered once, got %d", deliveries)
	}
}
