package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events editors emit for a single save.
const reloadDelay = 25 * time.Millisecond

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// GadgetsWatcher keeps the gadget bundle in sync with the configured gadgets
// file or folder. Stop releases the underlying fsnotify handle.
type GadgetsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit. It is safe to
// call more than once and on a nil watcher.
func (w *GadgetsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// gadgetSourceWatch is the state owned by the watcher goroutine.
type gadgetSourceWatch struct {
	fs       *fsnotify.Watcher
	source   GadgetsConfig
	inline   map[string]GadgetConfig
	onChange func(GadgetBundle)
	onError  func(error)

	// targetFile is set in single-file mode; folder mode watches every
	// directory below the root instead.
	targetFile string
	dirs       map[string]struct{}
	last       GadgetBundle
}

// WatchGadgets delivers the current bundle to onChange, then rebuilds and
// redelivers it whenever a gadget document changes. Rebuilds that produce an
// identical bundle are not delivered. cfg should come from Loader.Load so the
// inline gadgets are already captured.
func (l *Loader) WatchGadgets(ctx context.Context, cfg Config, onChange func(GadgetBundle), onError func(error)) (*GadgetsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch gadgets requires a change callback")
	}
	source := cfg.Server.Gadgets
	if source.GadgetsFile == "" && source.GadgetsFolder == "" {
		return nil, fmt.Errorf("config: no gadgets source configured for watching")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch gadgets: %w", err)
	}
	w := &gadgetSourceWatch{
		fs:       fsw,
		source:   source,
		inline:   cloneGadgetMap(cfg.InlineGadgets),
		onChange: onChange,
		onError:  onError,
		dirs:     map[string]struct{}{},
	}

	bundle, err := buildGadgetBundle(ctx, w.inline, source)
	if err != nil {
		w.closeFS()
		return nil, err
	}
	w.last = bundle
	onChange(bundle)

	// Directories are registered before returning so that a write made right
	// after WatchGadgets is never missed.
	w.watchSource()

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.closeFS()
		w.loop(watchCtx)
	}()
	return &GadgetsWatcher{cancel: cancel, done: done}, nil
}

func (w *gadgetSourceWatch) loop(ctx context.Context) {
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.reload(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

// relevant reports whether event should trigger a rebuild. New directories in
// folder mode are added to the watch set as a side effect.
func (w *gadgetSourceWatch) relevant(event fsnotify.Event) bool {
	if event.Op&reloadOps == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.targetFile != "" {
		if name != w.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: gadgets file %s removed", w.targetFile))
		}
		return true
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedGadgetFile(name)
}

func (w *gadgetSourceWatch) reload(ctx context.Context) {
	bundle, err := buildGadgetBundle(ctx, w.inline, w.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	if reflect.DeepEqual(bundle, w.last) {
		return
	}
	w.last = bundle
	w.onChange(bundle)
}

func (w *gadgetSourceWatch) watchSource() {
	if w.source.GadgetsFile != "" {
		path, err := filepath.Abs(w.source.GadgetsFile)
		if err != nil {
			w.report(fmt.Errorf("config: resolve gadgets file: %w", err))
			path = w.source.GadgetsFile
		}
		w.targetFile = filepath.Clean(path)
		// The parent directory is watched so atomic saves (write temp, rename)
		// are still seen.
		w.addDir(filepath.Dir(w.targetFile))
		return
	}

	root, err := filepath.Abs(w.source.GadgetsFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve gadgets folder: %w", err))
		root = w.source.GadgetsFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	if err != nil {
		w.report(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

func (w *gadgetSourceWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

func (w *gadgetSourceWatch) closeFS() {
	if err := w.fs.Close(); err != nil {
		w.report(fmt.Errorf("config: watch gadgets close: %w", err))
	}
}

func (w *gadgetSourceWatch) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
