package policy

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Store holds the process-wide, atomically-swappable Policy. Readers call
// Current() and get a consistent snapshot regardless of concurrent
// Reload() calls — there is no partially-updated state visible in
// between, matching spec §5's "Reloading policy never makes an in-flight
// evaluate observe a mixed snapshot" invariant.
type Store struct {
	current atomic.Pointer[Policy]
	loader  *Loader
	path    string
	logger  *slog.Logger
}

// NewStore loads the policy file at path and returns a ready Store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loader := NewLoader(logger)
	p, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{loader: loader, path: path, logger: logger.With("component", "policy.Store")}
	s.current.Store(p)
	return s, nil
}

// Current returns the currently active policy snapshot.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the policy file and swaps the pointer atomically. On
// failure the previous policy remains active, per spec §7: "on reload,
// keep the previous policy and return 500 with diagnostic."
func (s *Store) Reload() error {
	p, err := s.loader.Load(s.path)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	s.current.Store(p)
	s.logger.Info("policy reloaded", "path", s.path)
	return nil
}

// WatchForChanges starts hot-reload via fsnotify: any write to the policy
// file triggers Reload automatically, in addition to the explicit
// POST /config/reload path.
func (s *Store) WatchForChanges() error {
	return s.loader.WatchConfig(s.path, func(string) {
		if err := s.Reload(); err != nil {
			s.logger.Error("hot-reload failed, keeping previous policy", "error", err)
		}
	})
}

// Close stops the file watcher, if one is running.
func (s *Store) Close() {
	s.loader.StopWatch()
}
