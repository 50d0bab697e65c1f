package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"snapsync/internal/db"
	"snapsync/internal/destination"
	"snapsync/internal/logger"
	"snapsync/internal/progress"
	"snapsync/internal/store"

	"golang.org/x/sync/errgroup"
)

// Config is the retry/verification policy applied per destination.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	VerifyChecksums bool
}

// FileTask is one discovered file handed to the coordinator.
type FileTask struct {
	SessionID    string
	Digest       string
	SourcePath   string
	FileName     string
	LogicalPath  string
	Device       string
	Size         int64
	ModTime      time.Time
	DiscoveredAt time.Time
}

// PairOutcome is the terminal result for one (digest, destination).
type PairOutcome int

const (
	PairCompleted PairOutcome = iota // uploaded and verified this session
	PairSkipped                      // already present from an earlier session
	PairFailed
)

// Outcome aggregates one file's per-destination results. Destinations
// stay independently reported; Completed means every enabled
// destination ended completed or already present.
type Outcome struct {
	Pairs            map[string]PairOutcome
	Completed        bool
	PairSuccesses    int   // completed + skipped pairs
	TransferredBytes int64 // bytes newly moved this session
}

// Coordinator drives one file to a terminal per-destination outcome:
// reserve, concurrent upload fan-out, retry with linear backoff,
// verification, and store bookkeeping.
type Coordinator struct {
	store        *store.Store
	destinations []destination.Destination
	cfg          Config
	notifier     *progress.Notifier
}

func New(st *store.Store, dests []destination.Destination, cfg Config, notifier *progress.Notifier) *Coordinator {
	return &Coordinator{store: st, destinations: dests, cfg: cfg, notifier: notifier}
}

// Process fans the file out to all enabled destinations. The returned
// error is reserved for store failures, which are fatal to the
// session; per-destination upload failures land in the Outcome.
func (c *Coordinator) Process(ctx context.Context, task FileTask) (Outcome, error) {
	out := Outcome{Pairs: make(map[string]PairOutcome, len(c.destinations))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range c.destinations {
		dest := dest
		g.Go(func() error {
			po, uploaded, err := c.processPair(gctx, dest, task)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Pairs[dest.Name()] = po
			if po != PairFailed {
				out.PairSuccesses++
			}
			if uploaded {
				out.TransferredBytes = task.Size
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	out.Completed = true
	for _, po := range out.Pairs {
		if po == PairFailed {
			out.Completed = false
		}
	}
	return out, nil
}

func (c *Coordinator) processPair(ctx context.Context, dest destination.Destination, task FileTask) (PairOutcome, bool, error) {
	name := dest.Name()
	rec := &db.FileRecord{
		Digest:       task.Digest,
		Destination:  name,
		SessionID:    task.SessionID,
		SourceDevice: task.Device,
		SourcePath:   task.SourcePath,
		FileName:     task.FileName,
		Size:         task.Size,
		BackupDate:   task.LogicalPath,
		DiscoveredAt: task.DiscoveredAt,
	}

	created, err := c.store.ReserveIfAbsent(rec)
	if err != nil {
		return PairFailed, false, err
	}
	if !created {
		logger.Debugf("%s already on %s, skipping", task.FileName, name)
		c.emit(task, name, "skipped", "")
		return PairSkipped, false, nil
	}
	c.emit(task, name, db.FileStatusReserving, "")

	if err := c.store.TransitionFile(task.Digest, name, db.FileStatusReserving, db.FileStatusUploading); err != nil {
		return PairFailed, false, err
	}
	c.emit(task, name, db.FileStatusUploading, "")

	up := destination.Upload{
		Path:        task.SourcePath,
		FileName:    task.FileName,
		LogicalPath: task.LogicalPath,
		Size:        task.Size,
		Digest:      task.Digest,
		ModTime:     task.ModTime,
		Device:      task.Device,
	}

	outcome, err := c.attemptLoop(ctx, dest, task, up)
	if err != nil {
		return PairFailed, false, err
	}
	return outcome, outcome == PairCompleted, nil
}

// attemptLoop runs up to 1 + MaxRetries attempts against a single
// destination. A started attempt always settles; cancellation is only
// honored between attempts.
func (c *Coordinator) attemptLoop(ctx context.Context, dest destination.Destination, task FileTask, up destination.Upload) (PairOutcome, error) {
	name := dest.Name()
	// The attempt itself must not be interrupted mid-transfer; each
	// destination bounds it with its own timeout.
	attemptCtx := context.WithoutCancel(ctx)

	var lastErr error
	status := db.FileStatusUploading

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.store.IncrementRetry(task.Digest, name, lastErr.Error()); err != nil {
				return PairFailed, err
			}
			delay := c.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return c.failPair(task, name, fmt.Errorf("cancelled: %w", ctx.Err()))
			}
			if status != db.FileStatusUploading {
				if err := c.store.TransitionFile(task.Digest, name, status, db.FileStatusUploading); err != nil {
					return PairFailed, err
				}
				status = db.FileStatusUploading
				c.emit(task, name, status, "")
			}
		} else if err := ctx.Err(); err != nil {
			return c.failPair(task, name, fmt.Errorf("cancelled: %w", err))
		}

		res, err := dest.Upload(attemptCtx, up)
		if err != nil {
			lastErr = err
			logger.Warnf("upload of %s to %s failed (attempt %d/%d): %v",
				task.FileName, name, attempt+1, c.cfg.MaxRetries+1, err)
			continue
		}

		if !c.cfg.VerifyChecksums {
			if err := c.store.CompleteFile(task.Digest, name, status, res.RemoteRef); err != nil {
				return PairFailed, err
			}
			c.emit(task, name, db.FileStatusCompleted, "")
			return PairCompleted, nil
		}

		if err := c.store.TransitionFile(task.Digest, name, status, db.FileStatusVerifying); err != nil {
			return PairFailed, err
		}
		status = db.FileStatusVerifying
		c.emit(task, name, status, "")

		vs, verr := dest.Verify(attemptCtx, res, up)
		switch {
		case verr == nil && vs == destination.VerifyMatch:
			if err := c.store.CompleteFile(task.Digest, name, status, res.RemoteRef); err != nil {
				return PairFailed, err
			}
			c.emit(task, name, db.FileStatusCompleted, "")
			return PairCompleted, nil
		case verr == nil && vs == destination.VerifyMismatch:
			// Could be transfer corruption rather than a network
			// fault; logged distinctly, retried like one.
			logger.L.Warn().
				Str("file", task.FileName).
				Str("destination", name).
				Bool("verify_mismatch", true).
				Msg("verification mismatch, will re-upload")
			lastErr = fmt.Errorf("verification mismatch on %s", name)
		case verr != nil:
			lastErr = fmt.Errorf("verify: %w", verr)
		default:
			lastErr = fmt.Errorf("verification unavailable on %s", name)
		}
	}

	return c.failPair(task, name, lastErr)
}

func (c *Coordinator) failPair(task FileTask, destName string, cause error) (PairOutcome, error) {
	msg := "upload failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := c.store.FailFile(task.Digest, destName, msg); err != nil {
		return PairFailed, err
	}
	c.emit(task, destName, db.FileStatusFailed, msg)
	return PairFailed, nil
}

func (c *Coordinator) emit(task FileTask, destName, status, errMsg string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(progress.Event{
		SessionID:   task.SessionID,
		Digest:      task.Digest,
		Destination: destName,
		Status:      status,
		Path:        task.SourcePath,
		Err:         errMsg,
	})
}
