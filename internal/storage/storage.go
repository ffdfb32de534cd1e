package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/metrics"
	"mdvr/internal/naming"
	"mdvr/internal/types"
)

// ParseSkip reports a file the reconciler refused to consider because its
// name does not carry a timestamp
type ParseSkip struct {
	Path string
	Err  error
}

func (e *ParseSkip) Error() string {
	return fmt.Sprintf("skipping %s: %v", e.Path, e.Err)
}

func (e *ParseSkip) Unwrap() error { return e.Err }

// LogContext classifies the error for structured logging
func (e *ParseSkip) LogContext() logging.ErrorContext {
	return logging.ErrorContext{
		Category:    logging.ErrorCategoryStorage,
		Severity:    logging.ErrorSeverityLow,
		Component:   "storage",
		Operation:   "reconcile",
		Recoverable: true,
		Metadata:    map[string]interface{}{"path": e.Path},
	}
}

// Result summarises one Reconcile call
type Result struct {
	Before    int64    `json:"before"`
	After     int64    `json:"after"`
	Deleted   []string `json:"deleted,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	OverLimit bool     `json:"overLimit"`
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logging.NewComponentLogger(logger, "storage")
	}
}

// WithLocation sets the time zone filenames are parsed in
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		r.loc = loc
	}
}

// WithEventSink receives a storage_cleanup event whenever files are deleted
func WithEventSink(sink types.EventSink) Option {
	return func(r *Reconciler) {
		r.sink = sink
	}
}

// WithRemove replaces os.Remove
func WithRemove(remove func(path string) error) Option {
	return func(r *Reconciler) {
		r.remove = remove
	}
}

// Reconciler keeps the materials store under its byte limit and moves
// finished captures into it
type Reconciler struct {
	logger *logrus.Entry
	loc    *time.Location
	sink   types.EventSink
	remove func(path string) error
}

// NewReconciler creates a reconciler
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		logger: logging.NewComponentLogger(logging.Discard(), "storage"),
		loc:    time.Local,
		remove: os.Remove,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Material is a material file with a parsed timestamp
type Material struct {
	Path      string
	Name      string
	Timestamp time.Time
}

// DirSize returns the total size of regular files under dir, recursively.
// Files that vanish during the walk are ignored.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != dir {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Reconcile deletes the oldest material files, one at a time, until dir is
// at or under byteLimit. Files whose names do not parse are never deleted.
// When no candidates remain the result reports OverLimit.
func (r *Reconciler) Reconcile(dir string, byteLimit int64) (Result, error) {
	size, err := DirSize(dir)
	if err != nil {
		return Result{}, fmt.Errorf("measure %s: %w", dir, err)
	}
	result := Result{Before: size, After: size}
	metrics.StorageBytes.Set(float64(size))

	if size <= byteLimit {
		r.logger.WithFields(logrus.Fields{
			"size":  humanize.Bytes(uint64(size)),
			"limit": humanize.Bytes(uint64(byteLimit)),
		}).Debug("Materials under limit")
		return result, nil
	}

	candidates, skipped, err := r.scan(dir)
	if err != nil {
		return result, err
	}
	result.Skipped = skipped

	for size > byteLimit {
		if len(candidates) == 0 {
			result.OverLimit = true
			r.logger.WithFields(logrus.Fields{
				"size":    humanize.Bytes(uint64(size)),
				"limit":   humanize.Bytes(uint64(byteLimit)),
				"skipped": len(skipped),
			}).Warn("Materials over limit with no deletable files left")
			break
		}

		oldest := candidates[0]
		candidates = candidates[1:]

		if err := r.remove(oldest.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.LogError(r.logger, err, "storage", "delete")
			continue
		}
		result.Deleted = append(result.Deleted, oldest.Name)
		metrics.StorageDeletedTotal.Inc()

		size, err = DirSize(dir)
		if err != nil {
			return result, fmt.Errorf("measure %s: %w", dir, err)
		}
		r.logger.WithFields(logrus.Fields{
			"file":     oldest.Name,
			"recorded": oldest.Timestamp.Format(time.DateTime),
			"size":     humanize.Bytes(uint64(size)),
		}).Info("Deleted oldest material")
	}

	result.After = size
	metrics.StorageBytes.Set(float64(size))

	if len(result.Deleted) > 0 && r.sink != nil {
		r.sink(types.HealthEvent{
			Kind:        types.EventStorageCleanup,
			CameraIndex: -1,
			Message: fmt.Sprintf("deleted %d files, %s -> %s", len(result.Deleted),
				humanize.Bytes(uint64(result.Before)), humanize.Bytes(uint64(result.After))),
			Timestamp: time.Now(),
		})
	}

	return result, nil
}

// Oldest lists the parseable files under dir oldest first, ties broken by
// name, and the names of files that were skipped
func (r *Reconciler) Oldest(dir string) ([]Material, []string, error) {
	return r.scan(dir)
}

func (r *Reconciler) scan(dir string) ([]Material, []string, error) {
	var candidates []Material
	var skipped []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		name, err := naming.ParseInLocation(d.Name(), r.loc)
		if err != nil {
			skip := &ParseSkip{Path: path, Err: err}
			logging.LogStructuredError(r.logger, logging.NewStructuredError(skip, skip.LogContext()))
			metrics.StorageParseSkipTotal.Inc()
			skipped = append(skipped, d.Name())
			return nil
		}
		candidates = append(candidates, Material{Path: path, Name: d.Name(), Timestamp: name.Timestamp})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].Timestamp.Before(candidates[j].Timestamp)
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates, skipped, nil
}
