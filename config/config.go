// Package config is a lookup for the default coroutine stack size and the
// default TCP connect timeout, with the latter hot-reloadable.
//
// It follows the layering used by
// TheEntropyCollective-noisefs/pkg/common/config: in-code defaults,
// overlaid by an optional JSON file, overlaid by environment variables —
// but scoped to go-coro's two keys rather than a whole application config.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/joeycumines/go-coro/corolog"
)

const (
	// FiberStackSizeKey is the config key for the default coroutine stack
	// size, in bytes.
	FiberStackSizeKey = "fiber.stack_size"
	// TCPConnectTimeoutKey is the config key for the default hooked
	// connect() timeout, in milliseconds.
	TCPConnectTimeoutKey = "tcp.connect.timeout"

	defaultFiberStackSize     = 1048576
	defaultTCPConnectTimeout  = 5000
	fileEnvVar                = "COGO_CONFIG_FILE"
	fiberStackSizeEnvVar      = "COGO_FIBER_STACK_SIZE"
	tcpConnectTimeoutEnvVar   = "COGO_TCP_CONNECT_TIMEOUT_MS"
)

type fileFormat struct {
	FiberStackSize     *int64 `json:"fiber.stack_size"`
	TCPConnectTimeout  *int64 `json:"tcp.connect.timeout"`
}

// Store holds go-coro's two configuration keys and hot-reloads the connect
// timeout from disk when COGO_CONFIG_FILE is set and changes.
//
// Store is safe for concurrent use: TCPConnectTimeoutMS is read via an
// atomic, and watchers are invoked from a single background goroutine.
type Store struct {
	fiberStackSize      int64 // immutable after New; no hot reload
	tcpConnectTimeoutMS atomic.Int64

	mu       sync.Mutex
	watchers []func(int64)

	watcher *fsnotify.Watcher
	path    string
	logger  *corolog.Logger
}

// New builds a Store from in-code defaults, overlaid by the file named by
// COGO_CONFIG_FILE (if set and readable), overlaid by environment
// variables. logger may be nil, in which case corolog.Default() is used.
func New(logger *corolog.Logger) (*Store, error) {
	if logger == nil {
		logger = corolog.Default()
	}
	s := &Store{
		fiberStackSize: defaultFiberStackSize,
		logger:         logger,
	}
	s.tcpConnectTimeoutMS.Store(defaultTCPConnectTimeout)

	path := os.Getenv(fileEnvVar)
	if path != "" {
		if err := s.loadFile(path, true); err != nil {
			logger.Warning().Str("path", path).Err(err).Log("config: failed to load initial file, using defaults")
		}
		s.path = path
	}

	if v, ok := envInt(fiberStackSizeEnvVar); ok {
		s.fiberStackSize = v
	}
	if v, ok := envInt(tcpConnectTimeoutEnvVar); ok {
		s.tcpConnectTimeoutMS.Store(v)
	}

	if s.path != "" {
		if err := s.startWatch(); err != nil {
			logger.Warning().Str("path", s.path).Err(err).Log("config: failed to start file watcher, hot reload disabled")
		}
	}

	return s, nil
}

func envInt(name string) (int64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Store) loadFile(path string, initial bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if initial && f.FiberStackSize != nil {
		s.fiberStackSize = *f.FiberStackSize
	}
	if f.TCPConnectTimeout != nil {
		s.tcpConnectTimeoutMS.Store(*f.TCPConnectTimeout)
	}
	return nil
}

func (s *Store) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			before := s.tcpConnectTimeoutMS.Load()
			if err := s.loadFile(s.path, false); err != nil {
				s.logger.Warning().Str("path", s.path).Err(err).Log("config: reload failed")
				continue
			}
			after := s.tcpConnectTimeoutMS.Load()
			if after != before {
				s.notify(after)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warning().Err(err).Log("config: watcher error")
		}
	}
}

func (s *Store) notify(ms int64) {
	s.mu.Lock()
	watchers := append([]func(int64){}, s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(ms)
	}
}

// FiberStackSize returns the configured default coroutine stack size, in
// bytes. Not hot-reloadable (only tcp.connect.timeout is).
func (s *Store) FiberStackSize() int64 {
	return s.fiberStackSize
}

// TCPConnectTimeoutMS returns the current hooked-connect timeout, in
// milliseconds. Safe to call concurrently; reflects the latest hot-reload.
func (s *Store) TCPConnectTimeoutMS() int64 {
	return s.tcpConnectTimeoutMS.Load()
}

// WatchTCPConnectTimeout registers fn to be called (with the new value, in
// milliseconds) whenever tcp.connect.timeout changes via hot reload. Nothing
// in go-coro registers a listener itself, and there is no process-global
// copy of the value: hooked connects read TCPConnectTimeoutMS from the
// Store on each call.
func (s *Store) WatchTCPConnectTimeout(fn func(ms int64)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Close stops the file watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
