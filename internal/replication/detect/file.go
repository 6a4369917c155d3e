package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/tysontate/gommap"
)

// File fingerprints a local file, typically a SQLite upstream on a shared
// drive, by hashing its content.
type File struct {
	Path string
	log  log.FieldLogger
}

var _ replication.Detector = (*File)(nil)

func NewFile(path string, logger log.FieldLogger) *File {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &File{Path: path, log: logger.WithField("detector", "file")}
}

func (d *File) Probe(ctx context.Context, previous string) (bool, string) {
	token, err := Fingerprint(d.Path)
	return compare(d.log, previous, token, err)
}

// afterMap runs once the file is mapped, before it is hashed.
var afterMap func(f *os.File)

// Fingerprint returns the hex SHA-256 of the file, read through a read-only
// memory mapping. A file shrinking or a shared drive failing while it is
// hashed yields an error, not a crash.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	// an empty file cannot be mapped
	if info.Size() > 0 {
		mm, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
		if err != nil {
			return "", err
		}
		if afterMap != nil {
			afterMap(f)
		}
		hashErr := hashMapped(h, mm)
		if err := mm.UnsafeUnmap(); err != nil && hashErr == nil {
			hashErr = err
		}
		if hashErr != nil {
			return "", errors.Wrapf(hashErr, "hashing %s", path)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashMapped feeds mm to h. Touching a page past the current end of the
// file raises SIGBUS; with panic on fault it surfaces as a recoverable panic.
func hashMapped(h hash.Hash, mm gommap.MMap) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = errors.Errorf("file changed while reading: %v", r)
		}
	}()
	_, _ = h.Write(mm)
	return nil
}
