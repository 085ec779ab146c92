//go:build linux

package drive

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/netdump/netdump/pkg/types"
)

// linux/cdrom.h, linux/fs.h and scsi/sg.h
const (
	cdromEject       = 0x5309
	cdromDriveStatus = 0x5326
	cdslCurrent      = int(^uint32(0) >> 1)

	cdsNoInfo        = 0
	cdsNoDisc        = 1
	cdsTrayOpen      = 2
	cdsDriveNotReady = 3
	cdsDiscOK        = 4

	blkGetSize64 = 0x80081272

	sgIO           = 0x2285
	sgInterfaceID  = 'S'
	sgDxferFromDev = -3
	sgTimeoutMS    = 30000

	readDiscStructure = 0xAD
	discStructureBCA  = 0x03
	senseBufferSize   = 32
	// The structure data is preceded by a 4 byte length header.
	bcaResponseSize = 4 + types.BCASize
)

type sgIOHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         *byte
	cmdp           *byte
	sbp            *byte
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         unsafe.Pointer
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

func (d *OpticalDrive) open() (*os.File, error) {
	f, err := os.OpenFile(d.device, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open drive %v", d.device)
	}
	return f, nil
}

func ioctl(f *os.File, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlPtr(f *os.File, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func (d *OpticalDrive) driveStatus(f *os.File) (int, error) {
	status, err := ioctl(f, cdromDriveStatus, uintptr(cdslCurrent))
	if err != nil {
		return cdsNoInfo, errors.Wrapf(err, "failed to query drive status of %v", d.device)
	}
	return int(status), nil
}

func (d *OpticalDrive) checkDisc(f *os.File) error {
	status, err := d.driveStatus(f)
	if err != nil {
		return err
	}
	switch status {
	case cdsDiscOK:
		return nil
	case cdsNoDisc, cdsTrayOpen:
		return types.ErrNoDisc
	case cdsDriveNotReady:
		return errors.Wrapf(types.ErrNoDisc, "drive %v is not ready", d.device)
	}
	return errors.Errorf("drive %v reported status %d", d.device, status)
}

func (d *OpticalDrive) size(f *os.File) (int64, error) {
	var size uint64
	if err := ioctlPtr(f, blkGetSize64, unsafe.Pointer(&size)); err != nil {
		return 0, errors.Wrapf(err, "failed to get disc size from %v", d.device)
	}
	return int64(size), nil
}

func (d *OpticalDrive) Eject() error {
	f, err := d.open()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := d.checkDisc(f); err != nil {
		return err
	}
	if _, err := ioctl(f, cdromEject, 0); err != nil {
		return errors.Wrapf(types.ErrCouldntEject, "%v: %v", d.device, err)
	}
	logrus.Infof("Ejected disc from %v", d.device)
	return nil
}

func (d *OpticalDrive) DiscInfo() (*types.DiscInfo, error) {
	f, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := d.checkDisc(f); err != nil {
		return nil, err
	}
	size, err := d.size(f)
	if err != nil {
		return nil, err
	}
	return ReadDiscInfo(f, size)
}

// newBCARequest builds an SG_IO READ DISC STRUCTURE request for the BCA together with
// its response and sense buffers. The buffers are referenced through typed pointers so
// they stay visible to the garbage collector while the kernel fills them.
func newBCARequest() (*sgIOHdr, []byte, []byte) {
	cdb := make([]byte, 12)
	cdb[0] = readDiscStructure
	cdb[7] = discStructureBCA
	cdb[8] = byte(bcaResponseSize >> 8)
	cdb[9] = byte(bcaResponseSize & 0xff)
	response := make([]byte, bcaResponseSize)
	sense := make([]byte, senseBufferSize)

	return &sgIOHdr{
		interfaceID:    sgInterfaceID,
		dxferDirection: sgDxferFromDev,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        senseBufferSize,
		dxferLen:       bcaResponseSize,
		dxferp:         &response[0],
		cmdp:           &cdb[0],
		sbp:            &sense[0],
		timeout:        sgTimeoutMS,
	}, response, sense
}

// ReadBCA issues READ DISC STRUCTURE for the BCA. GameCube discs read as zeroes.
func (d *OpticalDrive) ReadBCA() ([types.BCASize]byte, error) {
	var bca [types.BCASize]byte

	info, err := d.DiscInfo()
	if err != nil {
		return bca, err
	}
	if info.Type == types.DiscTypeGC {
		return bca, nil
	}

	f, err := d.open()
	if err != nil {
		return bca, err
	}
	defer f.Close()

	hdr, response, sense := newBCARequest()
	err = ioctlPtr(f, sgIO, unsafe.Pointer(hdr))
	runtime.KeepAlive(hdr)
	runtime.KeepAlive(response)
	runtime.KeepAlive(sense)
	if err != nil {
		return bca, errors.Wrapf(err, "failed to read BCA from %v", d.device)
	}
	if hdr.status != 0 || hdr.hostStatus != 0 || hdr.driverStatus != 0 {
		return bca, errors.Errorf("drive %v rejected BCA read: status 0x%x, host 0x%x, driver 0x%x, sense % x",
			d.device, hdr.status, hdr.hostStatus, hdr.driverStatus, sense[:hdr.sbLenWr])
	}

	copy(bca[:], response[4:])
	return bca, nil
}

func (d *OpticalDrive) OpenDataStream() (types.DataStream, error) {
	f, err := d.open()
	if err != nil {
		return nil, err
	}
	if err := d.checkDisc(f); err != nil {
		f.Close()
		return nil, err
	}
	size, err := d.size(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileStream{File: f, size: size}, nil
}
