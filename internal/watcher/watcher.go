package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/internal/utils"
)

// ServerLogCallback is called with lines appended to the server log
type ServerLogCallback func(lines []string)

// Watcher watches the state directory. Writes to the state file raise a flag
// the monitor loop consumes between ticks; new server log lines are
// forwarded to a callback.
type Watcher struct {
	stateFile string
	logger    *logger.Logger
	watcher   *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dirty   atomic.Bool
	changes chan struct{}

	serverLog string
	callback  ServerLogCallback
	logOffset int64
	mutex     sync.Mutex
}

// New creates a watcher for stateFile
func New(stateFile string, logger *logger.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		stateFile: filepath.Clean(stateFile),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		changes:   make(chan struct{}, 1),
	}
}

// TailServerLog forwards lines appended to path after Start. Call before Start.
func (w *Watcher) TailServerLog(path string, callback ServerLogCallback) {
	w.serverLog = filepath.Clean(path)
	w.callback = callback
}

// Start begins watching
func (w *Watcher) Start() error {
	var err error
	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dirs := []string{filepath.Dir(w.stateFile)}
	if w.serverLog != "" && filepath.Dir(w.serverLog) != dirs[0] {
		dirs = append(dirs, filepath.Dir(w.serverLog))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.watcher.Close()
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		// Watch the directory: the state file is replaced by rename on every save
		if err := w.watcher.Add(dir); err != nil {
			w.watcher.Close()
			return fmt.Errorf("failed to add %s to watcher: %w", dir, err)
		}
	}

	if w.serverLog != "" {
		if info, err := os.Stat(w.serverLog); err == nil {
			w.logOffset = info.Size()
		}
	}

	w.logger.Debug("Watching %s", strings.Join(dirs, ", "))

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the watcher goroutine
func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

// Consume reports whether the state file changed since the last call and clears the flag
func (w *Watcher) Consume() bool {
	return w.dirty.Swap(false)
}

// Changes delivers at most one pending notification per state file change burst
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error: %v", err)
		case <-ticker.C:
			// some filesystems drop write events
			w.checkServerLog()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	switch name {
	case w.stateFile:
		if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
			return
		}
		w.logger.Debug("State file event: %s", event.Op)
		w.dirty.Store(true)
		select {
		case w.changes <- struct{}{}:
		default:
		}
	case w.serverLog:
		if event.Op&fsnotify.Create == fsnotify.Create {
			// log rotated or recreated
			w.mutex.Lock()
			w.logOffset = 0
			w.mutex.Unlock()
		}
		w.checkServerLog()
	}
}

// checkServerLog reads lines appended since the last check
func (w *Watcher) checkServerLog() {
	if w.serverLog == "" || w.callback == nil {
		return
	}
	info, err := os.Stat(w.serverLog)
	if err != nil {
		return
	}

	w.mutex.Lock()
	start := w.logOffset
	if info.Size() < start {
		// truncated
		start = 0
	}
	w.mutex.Unlock()

	if info.Size() == start {
		return
	}

	lines, next, err := readNewLines(w.serverLog, start, info.Size())
	if err != nil {
		w.logger.Error("Failed to read new lines from %s: %v", w.serverLog, err)
		return
	}

	w.mutex.Lock()
	w.logOffset = next
	w.mutex.Unlock()

	if len(lines) > 0 {
		w.callback(lines)
	}
}

// readNewLines reads complete lines between two offsets, decodes them to UTF-8
// and returns the non-empty ones with the offset just past the last newline.
// A trailing partial line stays unread until it is finished or grows past
// MaxPendingLogBytes.
func readNewLines(path string, startOffset, endOffset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, startOffset, err
	}
	defer file.Close()

	if endOffset-startOffset > _const.MaxLogChunkBytes {
		endOffset = startOffset + _const.MaxLogChunkBytes
	}
	if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
		return nil, startOffset, err
	}
	chunk, err := io.ReadAll(io.LimitReader(file, endOffset-startOffset))
	if err != nil {
		return nil, startOffset, err
	}

	n := utils.LineEnd(chunk)
	if n == 0 {
		if len(chunk) < _const.MaxPendingLogBytes {
			return nil, startOffset, nil
		}
		n = len(chunk)
	}
	text, _ := utils.ToUTF8(chunk[:n])

	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		if line := utils.CleanLine(raw); line != "" {
			lines = append(lines, utils.Truncate(line, _const.MaxLogLineLength))
		}
	}
	return lines, startOffset + int64(n), nil
}
