package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// GuardrailWatcher watches the data directory for the sync.disabled
// flag file. When the flag appears, sync is forced offline with the
// file's content as the reason; removing the flag releases it.
type GuardrailWatcher struct {
	watcher  *fsnotify.Watcher
	flagPath string
	changes  chan string
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewGuardrailWatcher creates a watcher for the given flag path. The
// watcher must be started with Start() before it emits changes.
func NewGuardrailWatcher(flagPath string) (*GuardrailWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &GuardrailWatcher{
		watcher:  watcher,
		flagPath: flagPath,
		changes:  make(chan string, 8),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching and emits the flag's current state first, so a
// flag placed while the process was down still takes effect.
func (gw *GuardrailWatcher) Start() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if gw.running {
		return fmt.Errorf("guardrail watcher already running")
	}

	// Watch the parent directory; watching the file itself breaks when
	// the flag is removed and re-created.
	dir := filepath.Dir(gw.flagPath)
	if err := gw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	gw.changes <- gw.readFlag()

	gw.running = true
	gw.wg.Add(1)
	go gw.processEvents()

	return nil
}

// Stop stops the watcher and closes the changes channel.
func (gw *GuardrailWatcher) Stop() error {
	gw.mu.Lock()
	if !gw.running {
		gw.mu.Unlock()
		return nil
	}
	gw.running = false
	gw.mu.Unlock()

	close(gw.done)

	if err := gw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	gw.wg.Wait()
	close(gw.changes)
	return nil
}

// Changes emits the guardrail reason after every flag transition. An
// empty string means the guardrail is off. The channel is closed by
// Stop.
func (gw *GuardrailWatcher) Changes() <-chan string {
	return gw.changes
}

func (gw *GuardrailWatcher) processEvents() {
	defer gw.wg.Done()

	for {
		select {
		case <-gw.done:
			return

		case event, ok := <-gw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != gw.flagPath {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			select {
			case gw.changes <- gw.readFlag():
			case <-gw.done:
				return
			}

		case _, ok := <-gw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// readFlag returns the guardrail reason, or "" when the flag is absent.
func (gw *GuardrailWatcher) readFlag() string {
	data, err := os.ReadFile(gw.flagPath)
	if err != nil {
		return ""
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "sync disabled by guardrail flag"
	}
	return reason
}
