package engine

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"snapsync/internal/checksum"
	"snapsync/internal/config"
	"snapsync/internal/coordinator"
	"snapsync/internal/db"
	"snapsync/internal/logger"
	"snapsync/internal/progress"
	"snapsync/internal/session"
	"snapsync/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine orchestrates one backup session at a time: discover files
// under a root, hash and deduplicate them, fan each new file out to all
// destinations through the coordinator, and finalize the session once
// every file is terminal.
type Engine struct {
	files    config.Files
	backup   config.Backup
	store    *store.Store
	coord    *coordinator.Coordinator
	notifier *progress.Notifier

	mu     sync.Mutex
	active *activeSession
}

type activeSession struct {
	id          string
	machine     *session.Machine
	currentFile string
}

func New(files config.Files, backup config.Backup, st *store.Store, coord *coordinator.Coordinator, notifier *progress.Notifier) *Engine {
	return &Engine{
		files:    files,
		backup:   backup,
		store:    st,
		coord:    coord,
		notifier: notifier,
	}
}

// Status is the live view handed to status consumers.
type Status struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Pending     int    `json:"pending"`
	CurrentFile string `json:"current_file,omitempty"`
}

type discovered struct {
	path    string
	size    int64
	modTime time.Time
}

// StartSession begins a session for root and returns its id without
// waiting for completion.
func (e *Engine) StartSession(ctx context.Context, root, device string) (string, error) {
	sessionID, err := e.prepare(root, device)
	if err != nil {
		return "", err
	}
	go func() {
		if err := e.run(ctx, sessionID, root, device); err != nil {
			logger.Errorf("session %s: %v", sessionID, err)
		}
	}()
	return sessionID, nil
}

// Run executes a whole session synchronously and returns its id.
func (e *Engine) Run(ctx context.Context, root, device string) (string, error) {
	sessionID, err := e.prepare(root, device)
	if err != nil {
		return "", err
	}
	return sessionID, e.run(ctx, sessionID, root, device)
}

func (e *Engine) prepare(root, device string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return "", fmt.Errorf("a session is already running (%s)", e.active.id)
	}
	sessionID := uuid.NewString()
	if err := e.store.CreateSession(&db.BackupSession{
		SessionID:    sessionID,
		RootPath:     root,
		SourceDevice: device,
		StartedAt:    time.Now(),
		State:        db.SessionPending,
	}); err != nil {
		return "", err
	}
	e.active = &activeSession{id: sessionID, machine: session.NewMachine()}
	logger.Infof("starting backup session %s for %s", sessionID, root)
	return sessionID, nil
}

func (e *Engine) run(ctx context.Context, sessionID, root, device string) error {
	e.mu.Lock()
	m := e.active.machine
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	files, err := e.discover(ctx, root)
	if err != nil {
		// Root unreadable or store gone: fatal, abort.
		m.Abort()
		m.Finalize()
		if ferr := e.store.FinalizeSession(sessionID, db.SessionAborted); ferr != nil {
			logger.Errorf("finalize aborted session: %v", ferr)
		}
		return fmt.Errorf("discovery under %s: %w", root, err)
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.size
	}
	m.Start(len(files))
	if err := e.store.MarkSessionRunning(sessionID); err != nil {
		return e.abort(m, sessionID, err)
	}
	prog := store.SessionProgress{Total: len(files), TotalBytes: totalBytes}
	if err := e.store.RecordSessionProgress(sessionID, prog); err != nil {
		return e.abort(m, sessionID, err)
	}
	logger.Infof("session %s: %d files to consider (%d bytes)", sessionID, len(files), totalBytes)

	var (
		progMu  sync.Mutex
		skipped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.backup.ConcurrentFiles)
	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		f := f
		g.Go(func() error {
			return e.processFile(gctx, sessionID, device, f, m, &progMu, &prog, &skipped)
		})
	}
	werr := g.Wait()

	// Workers persist counters as they resolve, but two of them can
	// interleave read and write so the last write carries a stale
	// snapshot. Persist once more now that every file is terminal.
	if err := e.persistProgress(sessionID, m, &progMu, &prog); err != nil {
		logger.Errorf("persist final counters for %s: %v", sessionID, err)
	}

	if ctx.Err() != nil || werr != nil {
		m.Abort()
	}
	state := m.Finalize()
	if err := e.store.FinalizeSession(sessionID, state); err != nil {
		logger.Errorf("finalize session %s: %v", sessionID, err)
	}
	total, completed, failed, _ := m.Counters()
	logger.Infof("session %s finished %s: %d/%d completed, %d failed, %d already present",
		sessionID, state, completed, total, failed, skipped)
	if werr != nil {
		return fmt.Errorf("session %s aborted: %w", sessionID, werr)
	}
	return nil
}

func (e *Engine) abort(m *session.Machine, sessionID string, cause error) error {
	m.Abort()
	m.Finalize()
	if err := e.store.FinalizeSession(sessionID, db.SessionAborted); err != nil {
		logger.Errorf("finalize aborted session: %v", err)
	}
	return fmt.Errorf("session %s aborted: %w", sessionID, cause)
}

// processFile drives one file from hashing to a terminal outcome and
// folds the result into the session counters.
func (e *Engine) processFile(ctx context.Context, sessionID, device string, f discovered, m *session.Machine, progMu *sync.Mutex, prog *store.SessionProgress, skipped *int) error {
	e.setCurrentFile(filepath.Base(f.path))

	e.emit(sessionID, "", db.FileStatusHashing, f.path, "")
	digest, size, err := checksum.Sum(f.path)
	if err != nil {
		// Card may have been yanked mid-read; the file fails, the
		// session keeps going.
		logger.Errorf("hashing %s: %v", f.path, err)
		e.emit(sessionID, "", db.FileStatusFailed, f.path, err.Error())
		m.RecordOutcome(false, 0)
		return e.persistProgress(sessionID, m, progMu, prog)
	}

	task := coordinator.FileTask{
		SessionID:    sessionID,
		Digest:       digest,
		SourcePath:   f.path,
		FileName:     filepath.Base(f.path),
		LogicalPath:  f.modTime.Format("2006/01/02"),
		Device:       device,
		Size:         size,
		ModTime:      f.modTime,
		DiscoveredAt: time.Now(),
	}

	out, err := e.coord.Process(ctx, task)
	if err != nil {
		// Store failure: fatal to the session.
		m.RecordOutcome(false, 0)
		return err
	}

	allSkipped := len(out.Pairs) > 0 && out.PairSuccesses == len(out.Pairs) && out.TransferredBytes == 0
	m.RecordOutcome(out.Completed, out.PairSuccesses)

	progMu.Lock()
	if allSkipped {
		*skipped++
		prog.Skipped = *skipped
	}
	prog.TransferredBytes += out.TransferredBytes
	progMu.Unlock()
	return e.persistProgress(sessionID, m, progMu, prog)
}

func (e *Engine) persistProgress(sessionID string, m *session.Machine, progMu *sync.Mutex, prog *store.SessionProgress) error {
	_, completed, failed, _ := m.Counters()
	progMu.Lock()
	p := *prog
	progMu.Unlock()
	p.Completed = completed
	p.Failed = failed
	return e.store.RecordSessionProgress(sessionID, p)
}

// discover walks root and returns every regular file matching the
// extension allowlist and minimum size, in lexical order.
func (e *Engine) discover(ctx context.Context, root string) ([]discovered, error) {
	allowed := make(map[string]struct{}, len(e.files.Extensions))
	for _, ext := range e.files.Extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var out []discovered
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warnf("skipping %s: %v", path, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warnf("stat %s: %v", path, err)
			return nil
		}
		if info.Size() < e.files.MinSize {
			return nil
		}
		out = append(out, discovered{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) setCurrentFile(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active.currentFile = name
	}
}

func (e *Engine) emit(sessionID, destName, status, path, errMsg string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(progress.Event{
		SessionID:   sessionID,
		Destination: destName,
		Status:      status,
		Path:        path,
		Err:         errMsg,
	})
}

// GetSessionStatus serves status consumers; the running session is
// answered from live counters, historical ones from the store.
func (e *Engine) GetSessionStatus(sessionID string) (Status, error) {
	e.mu.Lock()
	if a := e.active; a != nil && a.id == sessionID {
		total, completed, failed, pending := a.machine.Counters()
		st := Status{
			SessionID:   sessionID,
			State:       a.machine.State(),
			Total:       total,
			Completed:   completed,
			Failed:      failed,
			Pending:     pending,
			CurrentFile: a.currentFile,
		}
		e.mu.Unlock()
		return st, nil
	}
	e.mu.Unlock()

	sess, err := e.store.GetSessionDetail(sessionID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		SessionID: sess.SessionID,
		State:     sess.State,
		Total:     sess.TotalFiles,
		Completed: sess.CompletedFiles,
		Failed:    sess.FailedFiles,
		Pending:   sess.TotalFiles - sess.CompletedFiles - sess.FailedFiles,
	}, nil
}

// ListSessions passes through to the store's read-only surface.
func (e *Engine) ListSessions(limit int) ([]db.BackupSession, error) {
	return e.store.ListRecentSessions(limit)
}
