package drive

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/types"
)

const bcaSidecarExt = ".bca"

// ImageDrive emulates a drive with a disc image file inserted.
type ImageDrive struct {
	lock    sync.Mutex
	path    string
	bcaPath string
}

// NewImageDrive returns a drive holding the image at path. An empty path is an empty
// drive. bcaPath overrides the "<image>.bca" sidecar lookup.
func NewImageDrive(path, bcaPath string) (*ImageDrive, error) {
	d := &ImageDrive{bcaPath: bcaPath}
	if path != "" {
		if err := d.Insert(path); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *ImageDrive) Insert(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "cannot insert image %v", path)
	}
	if !st.Mode().IsRegular() {
		return errors.Errorf("cannot insert image %v: not a regular file", path)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.path = path
	logrus.Infof("Inserted disc image %v", path)
	return nil
}

func (d *ImageDrive) Path() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.path
}

func (d *ImageDrive) Eject() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.path == "" {
		return types.ErrNoDisc
	}
	logrus.Infof("Ejected disc image %v", d.path)
	d.path = ""
	return nil
}

func (d *ImageDrive) DiscInfo() (*types.DiscInfo, error) {
	f, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDiscInfo(f, f.Size())
}

// ReadBCA returns the sidecar BCA for Wii discs. GameCube discs have none and read as
// zeroes, as do Wii images without a sidecar.
func (d *ImageDrive) ReadBCA() ([types.BCASize]byte, error) {
	var bca [types.BCASize]byte

	info, err := d.DiscInfo()
	if err != nil {
		return bca, err
	}
	if info.Type == types.DiscTypeGC {
		return bca, nil
	}

	path := d.sidecarPath()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logrus.Debugf("No BCA sidecar found at %v", path)
		return bca, nil
	}
	if err != nil {
		return bca, errors.Wrapf(err, "failed to open BCA %v", path)
	}
	defer f.Close()

	if _, err := io.ReadFull(f, bca[:]); err != nil {
		return bca, errors.Wrapf(err, "failed to read BCA %v", path)
	}
	return bca, nil
}

func (d *ImageDrive) OpenDataStream() (types.DataStream, error) {
	return d.open()
}

func (d *ImageDrive) sidecarPath() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.bcaPath != "" {
		return d.bcaPath
	}
	return d.path + bcaSidecarExt
}

func (d *ImageDrive) open() (*fileStream, error) {
	path := d.Path()
	if path == "" {
		return nil, types.ErrNoDisc
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %v", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to stat image %v", path)
	}
	return &fileStream{File: f, size: st.Size()}, nil
}

// fileStream is a disc image or device opened for reading with its size resolved.
type fileStream struct {
	*os.File
	size int64
}

func (s *fileStream) Size() int64 {
	return s.size
}
