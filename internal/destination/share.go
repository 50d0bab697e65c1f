package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"snapsync/internal/checksum"
	"snapsync/internal/logger"
)

// ShareDestination copies files onto a mounted network share (SMB or
// NFS mounted by the kernel, or any local directory). Uploads are
// atomic: written to a temp name, fsynced, then renamed into place.
type ShareDestination struct {
	name           string
	mountPoint     string
	organizeByDate bool
	timeout        time.Duration
}

func NewShare(name, mountPoint string, organizeByDate bool, timeout time.Duration) *ShareDestination {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ShareDestination{
		name:           name,
		mountPoint:     mountPoint,
		organizeByDate: organizeByDate,
		timeout:        timeout,
	}
}

func (d *ShareDestination) Name() string { return d.name }

// CheckConnection verifies the mount point is a writable directory.
func (d *ShareDestination) CheckConnection(ctx context.Context) error {
	info, err := os.Stat(d.mountPoint)
	if err != nil {
		return fmt.Errorf("share mount %s: %w", d.mountPoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("share mount %s is not a directory", d.mountPoint)
	}
	return nil
}

func (d *ShareDestination) remotePath(up Upload) string {
	dir := d.mountPoint
	if d.organizeByDate && up.LogicalPath != "" {
		dir = filepath.Join(dir, filepath.FromSlash(up.LogicalPath))
	}
	return filepath.Join(dir, up.FileName)
}

func (d *ShareDestination) Upload(ctx context.Context, up Upload) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	dst := d.remotePath(up)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("share mkdir: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- copyAtomic(up.Path, dst) }()

	select {
	case <-ctx.Done():
		// The copy goroutine settles on its own; the temp file is
		// cleaned up there.
		return Result{}, fmt.Errorf("share upload %s: %w", up.FileName, ErrTimeout)
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("share upload %s: %w", up.FileName, err)
		}
	}

	logger.Debugf("share: wrote %s", dst)
	return Result{RemoteRef: dst}, nil
}

// copyAtomic writes src to dst via a temp name in the target directory,
// syncing before the rename so a torn copy is never visible.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Verify re-hashes the remote copy and compares digests; a missing
// file is a mismatch, an unreadable one is unavailable.
func (d *ShareDestination) Verify(ctx context.Context, res Result, up Upload) (VerifyStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type sumResult struct {
		digest string
		size   int64
		err    error
	}
	done := make(chan sumResult, 1)
	go func() {
		digest, size, err := checksum.Sum(res.RemoteRef)
		done <- sumResult{digest, size, err}
	}()

	select {
	case <-ctx.Done():
		return VerifyUnavailable, fmt.Errorf("share verify %s: %w", up.FileName, ErrTimeout)
	case r := <-done:
		if errors.Is(r.err, os.ErrNotExist) {
			return VerifyMismatch, nil
		}
		if r.err != nil {
			return VerifyUnavailable, fmt.Errorf("share verify %s: %w", up.FileName, r.err)
		}
		if r.size != up.Size || r.digest != up.Digest {
			return VerifyMismatch, nil
		}
		return VerifyMatch, nil
	}
}
