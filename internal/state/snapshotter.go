// Package state persists the session registry to a JSON document so that
// user presence survives a relay restart.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"uby/relay/internal/logging"
	"uby/relay/internal/session"
)

type snapshotOption func(*Snapshotter)

// WithClock overrides the snapshot time source; primarily used in tests.
func WithClock(clock func() time.Time) snapshotOption {
	return func(s *Snapshotter) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Snapshotter writes the session list to disk. Writers never block the hot
// path: Record only stores the pending state and nudges the flush goroutine,
// which keeps a single write in flight at a time.
type Snapshotter struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	sessions []session.Session
	dirty    bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type snapshotFile struct {
	SavedAt  time.Time         `json:"saved_at"`
	Sessions []session.Session `json:"sessions"`
}

// NewSnapshotter constructs a snapshotter backed by the provided file path.
// An empty path or non-positive interval disables persistence entirely; the
// returned nil Snapshotter is safe to use.
func NewSnapshotter(path string, interval time.Duration, logger *zap.Logger, opts ...snapshotOption) *Snapshotter {
	if path == "" || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snapshotter{
		path:     path,
		interval: interval,
		log:      logger.With(logging.Component("state")),
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.loop()
	return s
}

func (s *Snapshotter) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// Record stores the session list as the pending snapshot and requests an
// asynchronous flush. Callers never wait for the disk write.
func (s *Snapshotter) Record(sessions []session.Session) {
	if s == nil {
		return
	}
	clone := make([]session.Session, len(sessions))
	copy(clone, sessions)
	s.mu.Lock()
	s.sessions = clone
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Restore reads the snapshot document. A missing file yields an empty list;
// a corrupt file is reported through the error so the caller can log and
// start empty rather than fail.
func (s *Snapshotter) Restore() ([]session.Session, time.Time, error) {
	if s == nil {
		return nil, time.Time{}, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, time.Time{}, err
	}
	sessions := make([]session.Session, 0, len(file.Sessions))
	for _, entry := range file.Sessions {
		if entry.UserID == "" || entry.UserName == "" {
			continue
		}
		sessions = append(sessions, entry)
	}
	return sessions, file.SavedAt, nil
}

// Flush immediately persists the pending snapshot to disk.
func (s *Snapshotter) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	file := snapshotFile{SavedAt: s.now().UTC(), Sessions: s.sessions}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Snapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist session snapshot", zap.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state.
func (s *Snapshotter) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
