package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snapsync/internal/config"
	"snapsync/internal/coordinator"
	"snapsync/internal/db"
	"snapsync/internal/destination"
	"snapsync/internal/engine"
	"snapsync/internal/logger"
	"snapsync/internal/progress"
	"snapsync/internal/store"
	"snapsync/internal/watcher"
)

// Service status values published to observers.
const (
	StatusIdle                = "idle"
	StatusBackingUp           = "backing_up"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
	StatusOffline             = "offline"
)

// Service owns the wired component graph for one process: store,
// destinations, notifier, engine, watcher. Constructed once at
// startup, passed into each entry point, torn down on shutdown.
type Service struct {
	Cfg    *config.Config
	Store  *store.Store
	Engine *engine.Engine

	notifier *progress.Notifier
	redis    *progress.RedisPublisher

	mu     sync.Mutex
	status string
}

// Build loads config, wires every enabled component and returns the
// ready service.
func Build(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Service.LogPath, cfg.Service.LogLevel); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Service.DatabasePath)
	if err != nil {
		return nil, err
	}
	logger.Infof("database ready at %s", cfg.Service.DatabasePath)

	dests, err := buildDestinations(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	observers := []progress.Observer{progress.LogObserver{}}
	var rpub *progress.RedisPublisher
	if cfg.Redis.Enabled {
		rpub, err = progress.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TopicPrefix)
		if err != nil {
			// Status fan-out is an observer, not a dependency; the
			// engine keeps working without the broker.
			logger.Errorf("redis disabled: %v", err)
		} else {
			observers = append(observers, rpub)
		}
	}
	notifier := progress.NewNotifier(observers...)

	coord := coordinator.New(st, dests, coordinator.Config{
		MaxRetries:      cfg.Backup.MaxRetries,
		RetryDelay:      cfg.Backup.RetryDelay,
		VerifyChecksums: cfg.Backup.VerifyChecksums,
	}, notifier)
	eng := engine.New(cfg.Files, cfg.Backup, st, coord, notifier)

	svc := &Service{
		Cfg:      cfg,
		Store:    st,
		Engine:   eng,
		notifier: notifier,
		redis:    rpub,
		status:   StatusIdle,
	}
	svc.publishStatus(StatusIdle)
	return svc, nil
}

func buildDestinations(cfg *config.Config) ([]destination.Destination, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var dests []destination.Destination
	if cfg.Immich.Enabled {
		im := destination.NewImmich("immich", cfg.Immich.URL, cfg.Immich.APIKey, cfg.Immich.Timeout)
		if err := im.CheckConnection(ctx); err != nil {
			// The first upload is the real test; keep going.
			logger.Warnf("immich connection check failed: %v", err)
		}
		dests = append(dests, im)
	}
	if cfg.Share.Enabled {
		sh := destination.NewShare("share", cfg.Share.MountPoint, cfg.Share.OrganizeByDate, cfg.Share.Timeout)
		if err := sh.CheckConnection(ctx); err != nil {
			logger.Warnf("share connection check failed: %v", err)
		}
		dests = append(dests, sh)
	}
	if len(dests) == 0 {
		return nil, fmt.Errorf("no backup destinations available")
	}
	return dests, nil
}

// Backup runs one full session for path synchronously and returns the
// session id.
func (s *Service) Backup(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("source path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source path %s is not a directory", path)
	}

	s.setStatus(StatusBackingUp)
	sessionID, err := s.Engine.Run(ctx, path, deviceName(path))
	s.finishStatus(sessionID, err)
	return sessionID, err
}

// RunDaemon watches the configured mount roots and backs up every
// arriving source until ctx is cancelled.
func (s *Service) RunDaemon(ctx context.Context) error {
	w, err := watcher.New(s.Cfg.Source.WatchRoots)
	if err != nil {
		return err
	}
	defer w.Close()

	events := w.Events()
	logger.Infof("%s running, waiting for media", s.Cfg.Service.Name)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case ev := <-events:
			switch ev.Action {
			case watcher.ActionArrived:
				if !s.Cfg.Source.AutoBackup {
					logger.Infof("source %s arrived, auto backup disabled", ev.Path)
					continue
				}
				logger.Infof("source arrived: %s", ev.Path)
				if _, err := s.Backup(ctx, ev.Path); err != nil {
					logger.Errorf("backup of %s: %v", ev.Path, err)
				}
			case watcher.ActionRemoved:
				// An in-flight session keeps running; unreadable
				// files fail on their own.
				logger.Infof("source removed: %s", ev.Path)
			}
		}
	}
}

// StatusSnapshot is the service-level view for the CLI.
type StatusSnapshot struct {
	Status        string            `json:"status"`
	ActiveSession *db.BackupSession `json:"active_session,omitempty"`
	Stats         store.Stats       `json:"stats"`
	Destinations  []string          `json:"destinations"`
}

func (s *Service) Status() (StatusSnapshot, error) {
	active, err := s.Store.GetActiveSession()
	if err != nil {
		return StatusSnapshot{}, err
	}
	stats, err := s.Store.Stats()
	if err != nil {
		return StatusSnapshot{}, err
	}
	var names []string
	if s.Cfg.Immich.Enabled {
		names = append(names, "immich")
	}
	if s.Cfg.Share.Enabled {
		names = append(names, "share")
	}
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	return StatusSnapshot{
		Status:        status,
		ActiveSession: active,
		Stats:         stats,
		Destinations:  names,
	}, nil
}

func (s *Service) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.publishStatus(status)
}

// finishStatus derives the post-session status from the stored record
// and publishes the session summary.
func (s *Service) finishStatus(sessionID string, runErr error) {
	status := StatusCompleted
	var sess *db.BackupSession
	if sessionID != "" {
		sess, _ = s.Store.GetSessionDetail(sessionID)
	}
	switch {
	case runErr != nil:
		status = StatusFailed
	case sess != nil && sess.State == db.SessionCompleted:
		status = StatusCompleted
	case sess != nil:
		status = StatusCompletedWithErrors
	}
	s.setStatus(status)

	if s.redis != nil && sess != nil && sess.EndedAt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.redis.PublishSessionComplete(ctx, progress.SessionSummary{
			SessionID:        sess.SessionID,
			RootPath:         sess.RootPath,
			State:            sess.State,
			TotalFiles:       sess.TotalFiles,
			CompletedFiles:   sess.CompletedFiles,
			FailedFiles:      sess.FailedFiles,
			SkippedFiles:     sess.SkippedFiles,
			TransferredBytes: sess.TransferredBytes,
			EndedAt:          *sess.EndedAt,
		})
		cancel()
	}
	s.setStatus(StatusIdle)
}

func (s *Service) publishStatus(status string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.redis.PublishStatus(ctx, status)
}

// Close tears the service down in reverse construction order.
func (s *Service) Close() {
	s.publishStatus(StatusOffline)
	s.notifier.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if err := s.Store.Close(); err != nil {
		logger.Errorf("close store: %v", err)
	}
}

func deviceName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if base == "" || base == "/" || base == "." {
		return "manual"
	}
	return base
}
