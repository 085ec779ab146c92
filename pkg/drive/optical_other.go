//go:build !linux

package drive

import (
	"github.com/pkg/errors"

	"github.com/netdump/netdump/pkg/types"
)

func (d *OpticalDrive) Eject() error {
	return errors.Wrapf(types.ErrUnsupported, "cannot eject %v", d.device)
}

func (d *OpticalDrive) DiscInfo() (*types.DiscInfo, error) {
	return nil, errors.Wrapf(types.ErrUnsupported, "cannot read disc info from %v", d.device)
}

func (d *OpticalDrive) ReadBCA() ([types.BCASize]byte, error) {
	return [types.BCASize]byte{}, errors.Wrapf(types.ErrUnsupported, "cannot read BCA from %v", d.device)
}

func (d *OpticalDrive) OpenDataStream() (types.DataStream, error) {
	return nil, errors.Wrapf(types.ErrUnsupported, "cannot read %v", d.device)
}
