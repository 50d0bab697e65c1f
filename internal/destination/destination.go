package destination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout marks an attempt that exceeded the destination's
	// configured timeout. Retryable like any other upload failure.
	ErrTimeout = errors.New("destination timeout")
)

// Upload describes one file handed to a destination.
type Upload struct {
	Path        string    // absolute source path
	FileName    string    // base name
	LogicalPath string    // date-organized relative path, e.g. 2026/08/30
	Size        int64
	Digest      string    // hex md5
	ModTime     time.Time
	Device      string    // originating device name
}

// Result is what a destination hands back on success: an opaque
// reference usable for later verification (asset id, remote path).
type Result struct {
	RemoteRef string
}

// VerifyStatus is the outcome of a verification read-back.
type VerifyStatus int

const (
	VerifyMatch VerifyStatus = iota
	VerifyMismatch
	VerifyUnavailable
)

func (v VerifyStatus) String() string {
	switch v {
	case VerifyMatch:
		return "match"
	case VerifyMismatch:
		return "mismatch"
	default:
		return "unavailable"
	}
}

// Destination is one configured upload target. The engine never
// branches on the concrete implementation, only on this contract.
// Implementations apply their own timeout and report ErrTimeout.
type Destination interface {
	Name() string
	Upload(ctx context.Context, up Upload) (Result, error)
	Verify(ctx context.Context, res Result, up Upload) (VerifyStatus, error)
}
