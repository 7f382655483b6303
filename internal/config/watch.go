package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an EngineConfig whenever a file in the project's .wunder
// directory is written or created, handing the freshly loaded config to
// onReload. Grounded on the teacher's internal/vcs file watcher, which
// uses the same fsnotify primitive for a different purpose (git state).
type Watcher struct {
	fsw       *fsnotify.Watcher
	directory string
	onReload  func(*EngineConfig, error)
}

// WatchEngineConfig starts watching the directory/.wunder directory for
// changes, invoking onReload with a freshly loaded EngineConfig (or an
// error) after each change event. Call Close to stop watching.
func WatchEngineConfig(directory string, onReload func(*EngineConfig, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, directory: directory, onReload: onReload}

	configDir := directory + "/.wunder"
	_ = fsw.Add(configDir) // best-effort: directory may not exist yet

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadEngineConfig(w.directory)
			if w.onReload != nil {
				w.onReload(cfg, err)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
