package drive

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/netdump/netdump/pkg/types"
)

const (
	gameIDSize     = 6
	wiiMagicOffset = 0x18
	gcMagicOffset  = 0x1C
	titleOffset    = 0x20

	wiiMagic = 0x5D1C9EA3
	gcMagic  = 0xC2339F3D

	// DiscHeaderSize is the boot block, the part of the image the disc info is parsed from.
	DiscHeaderSize = 0x440

	// SingleLayerDVDSize is the capacity of a single-layer DVD. Wii images that don't
	// fit are dual-layer discs.
	SingleLayerDVDSize = 4699979776
)

// ParseDiscHeader classifies a disc from its boot block and image size.
func ParseDiscHeader(header []byte, size int64) (*types.DiscInfo, error) {
	if len(header) < DiscHeaderSize {
		return nil, errors.Wrapf(types.ErrUnknownDiscType, "disc header is %d bytes, expected %d", len(header), DiscHeaderSize)
	}

	info := &types.DiscInfo{
		GameName:     cString(header[:gameIDSize]),
		InternalName: cString(header[titleOffset:DiscHeaderSize]),
	}
	if len(info.InternalName) > types.InternalNameSize {
		info.InternalName = info.InternalName[:types.InternalNameSize]
	}

	switch {
	case binary.BigEndian.Uint32(header[wiiMagicOffset:]) == wiiMagic:
		info.Type = types.DiscTypeWiiSingleSided
		if size > SingleLayerDVDSize {
			info.Type = types.DiscTypeWiiDoubleSided
		}
	case binary.BigEndian.Uint32(header[gcMagicOffset:]) == gcMagic:
		info.Type = types.DiscTypeGC
	default:
		return nil, errors.Wrapf(types.ErrUnknownDiscType, "no disc magic found for %q", info.GameName)
	}
	return info, nil
}

// ReadDiscInfo reads the boot block from the start of r.
func ReadDiscInfo(r io.ReaderAt, size int64) (*types.DiscInfo, error) {
	header := make([]byte, DiscHeaderSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		if err == io.EOF {
			return nil, errors.Wrapf(types.ErrUnknownDiscType, "image of %d bytes is too small for a disc header", size)
		}
		return nil, errors.Wrap(err, "failed to read disc header")
	}
	return ParseDiscHeader(header, size)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
