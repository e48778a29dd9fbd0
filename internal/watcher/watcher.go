// Package watcher turns inbox directories into an ingestion source: model
// files dropped into a watched directory are handed to a Handler once they
// stop changing.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// DefaultExtensions are the model file types picked up when none are configured.
var DefaultExtensions = []string{".ifc", ".ifczip"}

// Handler receives inbox files.
type Handler interface {
	// FileReady is called once a file has settled. Errors are logged.
	FileReady(ctx context.Context, path string) error
	// FileRemoved is called when a matching file disappears from the inbox.
	FileRemoved(path string)
}

// Inbox watches directories for model files.
type Inbox struct {
	roots      []string
	extensions []string
	recursive  bool
	handler    Handler
	debounce   time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	watcher   *fsnotify.Watcher
	pending   map[string]*pendingFile
	rootPaths map[string][]string // root -> directories added to fsnotify
	done      chan struct{}
	started   bool
	stopOnce  sync.Once
}

// pendingFile is a file waiting for its debounce timer. size is the size seen
// when the timer was armed; a file still growing is re-armed.
type pendingFile struct {
	timer *time.Timer
	size  int64
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) { in.logger = l }
}

// WithDebounce sets how long a file must stay unchanged before it is handed over.
func WithDebounce(d time.Duration) Option {
	return func(in *Inbox) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// WithRecursive watches subdirectories of the roots as well.
func WithRecursive(recursive bool) Option {
	return func(in *Inbox) { in.recursive = recursive }
}

// New creates an inbox over roots. extensions filter which files are handed
// over; empty means DefaultExtensions.
func New(roots, extensions []string, handler Handler, opts ...Option) *Inbox {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	in := &Inbox{
		roots:      append([]string(nil), roots...),
		extensions: extensions,
		handler:    handler,
		debounce:   defaultDebounce,
		pending:    make(map[string]*pendingFile),
		rootPaths:  make(map[string][]string),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = zap.NewNop()
	}
	in.logger = in.logger.Named("watcher")
	return in
}

// Start begins watching. Missing roots are created. It returns at once; the
// inbox runs until ctx is cancelled or Stop is called.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.started {
		in.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.mu.Unlock()
		return err
	}
	in.watcher = watcher
	in.ctx = ctx
	in.started = true
	in.logger.Debug("Inbox starting",
		zap.Strings("roots", in.roots), zap.Strings("extensions", in.extensions), zap.Bool("recursive", in.recursive))
	for _, root := range in.roots {
		if err := in.addRootLocked(root); err != nil {
			_ = in.watcher.Close()
			in.watcher = nil
			in.started = false
			in.mu.Unlock()
			return err
		}
	}
	events, errs := watcher.Events, watcher.Errors
	in.mu.Unlock()
	go in.run(ctx, events, errs)
	return nil
}

func (in *Inbox) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return
		case <-in.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			in.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			in.logger.Warn("Inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !in.underRoot(path) {
		return
	}
	in.logger.Debug("Inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			in.handleNewDirectory(path)
			return
		}
		if matchExtension(path, in.extensions) {
			in.arm(path, info.Size())
		}
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		in.disarm(path)
		if matchExtension(path, in.extensions) && in.handler != nil {
			in.handler.FileRemoved(path)
		}
	}
}

// handleNewDirectory watches a directory that appeared under a root and
// hands over the model files already inside it.
func (in *Inbox) handleNewDirectory(dir string) {
	in.mu.Lock()
	recursive, watcher := in.recursive, in.watcher
	in.mu.Unlock()
	if watcher == nil || !recursive {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				in.logger.Debug("Failed to watch directory", zap.String("path", path), zap.Error(err))
			}
			return nil
		}
		if matchExtension(path, in.extensions) {
			if info, err := d.Info(); err == nil {
				in.arm(path, info.Size())
			}
		}
		return nil
	})
}

func (in *Inbox) underRoot(path string) bool {
	in.mu.Lock()
	roots := append([]string(nil), in.roots...)
	in.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range roots {
		rootClean := filepath.Clean(root)
		if rootClean == clean || inDir(rootClean, clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// arm (re)starts the debounce timer of path.
func (in *Inbox) arm(path string, size int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.pending[path]; ok {
		p.timer.Stop()
	}
	p := &pendingFile{size: size}
	p.timer = time.AfterFunc(in.debounce, func() { in.settle(path, p) })
	in.pending[path] = p
}

func (in *Inbox) disarm(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.pending[path]; ok {
		p.timer.Stop()
		delete(in.pending, path)
	}
}

// settle hands path over if it has not grown since it was armed.
func (in *Inbox) settle(path string, p *pendingFile) {
	info, err := os.Stat(path)
	in.mu.Lock()
	if in.pending[path] != p {
		in.mu.Unlock()
		return
	}
	delete(in.pending, path)
	ctx := in.ctx
	in.mu.Unlock()
	if err != nil {
		return
	}
	if info.Size() != p.size {
		in.arm(path, info.Size())
		return
	}
	in.deliver(ctx, path)
}

func (in *Inbox) deliver(ctx context.Context, path string) {
	if in.handler == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	in.logger.Debug("Inbox file ready", zap.String("path", path))
	if err := in.handler.FileReady(ctx, path); err != nil {
		in.logger.Warn("Failed to ingest inbox file", zap.String("path", path), zap.Error(err))
	}
}

// AddDirectory adds a root and, when syncExisting is set, hands over the
// model files already in it.
func (in *Inbox) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, r := range in.roots {
		if filepath.Clean(r) == filepath.Clean(abs) {
			return nil
		}
	}
	if in.watcher != nil {
		if err := in.addRootLocked(abs); err != nil {
			return err
		}
	}
	in.roots = append(in.roots, abs)
	in.logger.Info("Inbox directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting && in.watcher != nil {
		go in.syncDirectory(abs)
	}
	return nil
}

func (in *Inbox) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	var paths []string
	if in.recursive {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if err := in.watcher.Add(path); err != nil {
				return err
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		if err := in.watcher.Add(root); err != nil {
			return err
		}
		paths = append(paths, root)
	}
	in.rootPaths[root] = paths
	return nil
}

// syncDirectory hands over every matching file under root, synchronously.
func (in *Inbox) syncDirectory(root string) {
	in.mu.Lock()
	ctx, recursive := in.ctx, in.recursive
	in.mu.Unlock()
	root = filepath.Clean(root)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, in.extensions) {
			in.deliver(ctx, path)
		}
		return nil
	})
}

// RemoveDirectory stops watching root. Models already ingested from it are kept.
func (in *Inbox) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	in.mu.Lock()
	defer in.mu.Unlock()
	idx := -1
	for i, r := range in.roots {
		if filepath.Clean(r) == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if in.watcher != nil {
		for _, p := range in.rootPaths[abs] {
			_ = in.watcher.Remove(p)
		}
	}
	delete(in.rootPaths, abs)
	in.roots = append(in.roots[:idx], in.roots[idx+1:]...)
	in.logger.Info("Inbox directory removed", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots.
func (in *Inbox) Directories() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.roots...)
}

// SyncExistingFiles hands over the files already present in every root.
// Call it after Start.
func (in *Inbox) SyncExistingFiles() {
	for _, root := range in.Directories() {
		in.syncDirectory(root)
	}
}

// Stop stops watching and drops pending files.
func (in *Inbox) Stop() {
	in.mu.Lock()
	if !in.started || in.watcher == nil {
		in.mu.Unlock()
		return
	}
	for path, p := range in.pending {
		p.timer.Stop()
		delete(in.pending, path)
	}
	_ = in.watcher.Close()
	in.watcher = nil
	in.started = false
	in.mu.Unlock()
	in.stopOnce.Do(func() { close(in.done) })
}
