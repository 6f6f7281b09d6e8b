package configutil

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/logger"
)

// Reloader replaces the dynamic sections of the config when the file is changed.
// A file which can't be parsed is ignored and the previous values are kept.
type Reloader struct {
	filename string
	conf     *config.Config
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu       sync.Mutex
	onReload func(*config.Dynamic)
}

func NewReloader(filename string, conf *config.Config) (*Reloader, error) {
	a, err := filepath.Abs(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	// Editors and ConfigMap volumes replace the file, so the directory is watched instead of the file.
	if err := watcher.Add(filepath.Dir(a)); err != nil {
		_ = watcher.Close()
		return nil, xerrors.WithStack(err)
	}

	r := &Reloader{filename: a, conf: conf, watcher: watcher, done: make(chan struct{})}
	go r.start()

	return r, nil
}

// OnReload registers fn which will be called after the new values are stored.
func (r *Reloader) OnReload(fn func(*config.Dynamic)) {
	r.mu.Lock()
	r.onReload = fn
	r.mu.Unlock()
}

func (r *Reloader) Reload() error {
	d, err := ReadDynamic(r.filename)
	if err != nil {
		return err
	}
	r.conf.Dynamic.Store(d)
	r.mu.Lock()
	fn := r.onReload
	r.mu.Unlock()
	if fn != nil {
		fn(d)
	}

	return nil
}

func (r *Reloader) start() {
	defer close(r.done)

	dataDir := filepath.Join(filepath.Dir(r.filename), "..data")
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Name != r.filename && event.Name != dataDir {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			logger.Log.Info("Reload config", zap.String("file", r.filename))
			if err := r.Reload(); err != nil {
				logger.Log.Error("Failed reload config", zap.Error(err))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) Stop() {
	_ = r.watcher.Close()
	<-r.done
}
