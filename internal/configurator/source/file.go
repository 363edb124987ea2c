package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

import (
	"github.com/fsnotify/fsnotify"
)

const fileDebounce = 100 * time.Millisecond

// FileSource reads the limiter configuration from a local JSON or YAML file.
type FileSource struct {
	path   string
	format string
	log    *slog.Logger
}

func NewFileSource(path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}
	format := ""
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	}
	return &FileSource{path: abs, format: format, log: slog.Default()}, nil
}

func (s *FileSource) Fetch(ctx context.Context) (Payload, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Payload{}, fmt.Errorf("read config file %s: %w", s.path, err)
	}
	p, err := decodePayload(raw, s.format, "")
	if err != nil {
		return Payload{}, fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	return p, nil
}

// Watch signals when the file is written, created or renamed into place.
// The directory is watched so editors that replace the file are seen too.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1)
	go s.watchLoop(ctx, w, ch)
	s.log.Info("watching limiter config file", "path", s.path)
	return ch, nil
}

func (s *FileSource) watchLoop(ctx context.Context, w *fsnotify.Watcher, ch chan struct{}) {
	defer close(ch)
	defer w.Close()

	name := filepath.Base(s.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(fileDebounce)
			}
			if ev.Has(fsnotify.Remove) {
				s.log.Warn("limiter config file removed", "path", s.path)
			}
		case <-debounce.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Error("file watcher error", "err", err)
		}
	}
}
