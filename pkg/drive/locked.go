package drive

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/netdump/netdump/pkg/types"
)

// Locked serializes every call into a drive. An open data stream keeps the drive
// locked until the stream is closed. With a lock file the lock is also held against
// other processes.
type Locked struct {
	drive    types.Drive
	lock     sync.Mutex
	fileLock *flock.Flock
}

func NewLocked(drive types.Drive, lockFile string) (*Locked, error) {
	l := &Locked{drive: drive}
	if lockFile != "" {
		if err := os.MkdirAll(filepath.Dir(lockFile), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create lock directory for %v", lockFile)
		}
		l.fileLock = flock.New(lockFile)
	}
	return l, nil
}

func (l *Locked) Unwrap() types.Drive {
	return l.drive
}

func (l *Locked) acquire() error {
	l.lock.Lock()
	if l.fileLock == nil {
		return nil
	}
	// Blocking lock
	if err := l.fileLock.Lock(); err != nil {
		l.lock.Unlock()
		return errors.Wrapf(err, "failed to fetch the drive lock %v", l.fileLock.Path())
	}
	return nil
}

func (l *Locked) release() error {
	defer l.lock.Unlock()
	if l.fileLock == nil {
		return nil
	}
	return errors.Wrapf(l.fileLock.Unlock(), "failed to release the drive lock %v", l.fileLock.Path())
}

func (l *Locked) releaseAndLog() {
	if err := l.release(); err != nil {
		logrus.WithError(err).Warn("Failed to unlock drive")
	}
}

func (l *Locked) Eject() error {
	if err := l.acquire(); err != nil {
		return err
	}
	defer l.releaseAndLog()
	return l.drive.Eject()
}

func (l *Locked) DiscInfo() (*types.DiscInfo, error) {
	if err := l.acquire(); err != nil {
		return nil, err
	}
	defer l.releaseAndLog()
	return l.drive.DiscInfo()
}

func (l *Locked) ReadBCA() ([types.BCASize]byte, error) {
	if err := l.acquire(); err != nil {
		return [types.BCASize]byte{}, err
	}
	defer l.releaseAndLog()
	return l.drive.ReadBCA()
}

func (l *Locked) OpenDataStream() (types.DataStream, error) {
	if err := l.acquire(); err != nil {
		return nil, err
	}
	stream, err := l.drive.OpenDataStream()
	if err != nil {
		l.releaseAndLog()
		return nil, err
	}
	return &lockedStream{DataStream: stream, release: l.release}, nil
}

type lockedStream struct {
	types.DataStream
	once    sync.Once
	release func() error
}

func (s *lockedStream) Close() (err error) {
	s.once.Do(func() {
		err = multierr.Append(s.DataStream.Close(), s.release())
	})
	return err
}
