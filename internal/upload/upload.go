package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"mdvr/internal/logging"
	"mdvr/internal/metrics"
	"mdvr/internal/storage"
)

// DayLayout names the per-day remote directory
const DayLayout = "02-01-2006"

// ErrNoCarName is returned when the remote root is not configured
var ErrNoCarName = errors.New("upload: car name is required")

// Client is the subset of an FTP connection the uploader needs
type Client interface {
	MakeDir(path string) error
	NameList(path string) ([]string, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	Quit() error
}

// Dialer opens an authenticated connection
type Dialer func(ctx context.Context) (Client, error)

// FTPDialer dials addr and logs in with the given credentials
func FTPDialer(addr, user, password string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Client, error) {
		conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("ftp dial %s: %w", addr, err)
		}
		if err := conn.Login(user, password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("ftp login as %s: %w", user, err)
		}
		return conn, nil
	}
}

// Result summarises one upload run
type Result struct {
	Uploaded []string `json:"uploaded,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
	Bytes    int64    `json:"bytes"`
}

// Option configures an Uploader
type Option func(*Uploader)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(u *Uploader) {
		u.logger = logging.NewComponentLogger(logger, "upload")
		u.rawLogger = logger
	}
}

// WithDialer replaces the connection factory
func WithDialer(dial Dialer) Option {
	return func(u *Uploader) {
		u.dial = dial
	}
}

// WithLocation sets the time zone filenames are parsed in
func WithLocation(loc *time.Location) Option {
	return func(u *Uploader) {
		u.loc = loc
	}
}

// WithRetryPolicy controls how connection attempts are retried
func WithRetryPolicy(policy logging.RetryPolicy) Option {
	return func(u *Uploader) {
		u.retry = policy
	}
}

// Uploader ships finished materials to the remote archive, oldest first,
// and removes each local file once the server has accepted it
type Uploader struct {
	logger    *logrus.Entry
	rawLogger *logrus.Logger
	dial      Dialer
	loc       *time.Location
	retry     logging.RetryPolicy
	carName   string
	dir       string

	known map[string]bool
}

// New creates an uploader for the materials under dir
func New(dir, carName string, dial Dialer, opts ...Option) *Uploader {
	u := &Uploader{
		logger:    logging.NewComponentLogger(logging.Discard(), "upload"),
		rawLogger: logging.Discard(),
		dial:      dial,
		loc:       time.Local,
		retry:     logging.DefaultRetryPolicy(),
		carName:   carName,
		dir:       dir,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// RemotePath returns where a material taken at ts is stored on the server
func (u *Uploader) RemotePath(name string, ts time.Time) string {
	return path.Join(u.carName, ts.Format(DayLayout), name)
}

// Run uploads every material currently in the store. A failed file is
// left in place and reported; the run continues with the next one.
func (u *Uploader) Run(ctx context.Context) (Result, error) {
	var result Result
	if u.carName == "" {
		return result, ErrNoCarName
	}

	lister := storage.NewReconciler(storage.WithLogger(u.rawLogger), storage.WithLocation(u.loc))
	materials, skipped, err := lister.Oldest(u.dir)
	if err != nil {
		return result, fmt.Errorf("scan %s: %w", u.dir, err)
	}
	result.Skipped = skipped
	if len(materials) == 0 {
		u.logger.Debug("Nothing to upload")
		return result, nil
	}

	var client Client
	err = logging.Retry(ctx, u.logger, u.retry, "ftp_connect", func(ctx context.Context) error {
		c, err := u.dial(ctx)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return result, err
	}
	defer func() {
		if err := client.Quit(); err != nil {
			u.logger.WithError(err).Debug("FTP quit failed")
		}
	}()

	u.known = make(map[string]bool)
	for _, m := range materials {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		size, err := u.uploadOne(client, m)
		metrics.RecordUpload(err == nil, size)
		if err != nil {
			logging.LogError(u.logger.WithField("file", m.Name), err, "upload", "store")
			result.Failed = append(result.Failed, m.Name)
			continue
		}
		result.Uploaded = append(result.Uploaded, m.Name)
		result.Bytes += size
	}

	u.logger.WithFields(logrus.Fields{
		"uploaded": len(result.Uploaded),
		"failed":   len(result.Failed),
		"skipped":  len(result.Skipped),
		"bytes":    humanize.Bytes(uint64(result.Bytes)),
	}).Info("Upload run finished")

	return result, nil
}

func (u *Uploader) uploadOne(client Client, m storage.Material) (int64, error) {
	remote := u.RemotePath(m.Name, m.Timestamp)
	dayDir := path.Dir(remote)
	if err := u.ensureDir(client, u.carName); err != nil {
		return 0, err
	}
	if err := u.ensureDir(client, dayDir); err != nil {
		return 0, err
	}

	existing, err := client.NameList(dayDir)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dayDir, err)
	}
	if containsBase(existing, m.Name) {
		if err := client.Delete(remote); err != nil {
			return 0, fmt.Errorf("replace %s: %w", remote, err)
		}
		u.logger.WithField("remote", remote).Info("Replacing existing remote file")
	}

	f, err := os.Open(m.Path)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	err = client.Stor(remote, f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", remote, err)
	}

	if err := os.Remove(m.Path); err != nil {
		return info.Size(), fmt.Errorf("remove uploaded %s: %w", m.Path, err)
	}

	u.logger.WithFields(logrus.Fields{
		"file":   m.Name,
		"remote": remote,
		"size":   humanize.Bytes(uint64(info.Size())),
	}).Info("Uploaded material")
	return info.Size(), nil
}

func (u *Uploader) ensureDir(client Client, dir string) error {
	if u.known[dir] {
		return nil
	}
	parent := path.Dir(dir)
	entries, err := client.NameList(parent)
	if err != nil {
		return fmt.Errorf("list %s: %w", parent, err)
	}
	if !containsBase(entries, path.Base(dir)) {
		if err := client.MakeDir(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		u.logger.WithField("dir", dir).Debug("Created remote directory")
	}
	u.known[dir] = true
	return nil
}

// servers differ on whether NLST returns bare names or full paths
func containsBase(entries []string, name string) bool {
	for _, e := range entries {
		if path.Base(e) == name {
			return true
		}
	}
	return false
}
