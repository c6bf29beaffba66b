package storage

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch notifies the returned channel whenever another process writes the
// file-backed store, reloading the backend first. This is the cross-tab
// storage-change notification of the original platform; coordinating whole
// sessions across processes is out of scope, consumers only get told that
// the underlying keys moved.
func Watch(backend *FileBackend, log zerolog.Logger) (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(filepath.Dir(backend.Path())); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != backend.Path() {
					continue
				}
				if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove) {
					continue
				}
				if err := backend.Reload(); err != nil {
					log.Warn().Err(err).Msg("session store reload failed")
					continue
				}
				select {
				case changes <- struct{}{}:
				default: // collapse bursts, a pending notification is enough
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("session store watcher error")
			}
		}
	}()

	return changes, watcher.Close, nil
}
