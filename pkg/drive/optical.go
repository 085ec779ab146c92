package drive

import (
	"github.com/pkg/errors"

	"github.com/netdump/netdump/pkg/types"
)

const (
	TypeImage   = "image"
	TypeOptical = "optical"

	DefaultOpticalDevice = "/dev/sr0"
)

// OpticalDrive drives a real optical drive through its block device.
type OpticalDrive struct {
	device string
}

func NewOpticalDrive(device string) *OpticalDrive {
	if device == "" {
		device = DefaultOpticalDevice
	}
	return &OpticalDrive{device: device}
}

func (d *OpticalDrive) Device() string {
	return d.device
}

// New builds the drive described by driveType and wraps it in Locked.
func New(driveType, path, bcaPath, lockFile string) (*Locked, error) {
	var drive types.Drive
	switch driveType {
	case TypeImage:
		image, err := NewImageDrive(path, bcaPath)
		if err != nil {
			return nil, err
		}
		drive = image
	case TypeOptical:
		drive = NewOpticalDrive(path)
	default:
		return nil, errors.Errorf("unknown drive type %q", driveType)
	}
	return NewLocked(drive, lockFile)
}
