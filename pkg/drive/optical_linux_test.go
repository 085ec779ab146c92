//go:build linux

package drive

import (
	"reflect"
	"unsafe"

	. "gopkg.in/check.v1"
)

func (s *TestSuite) TestSGIOHeaderLayout(c *C) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		c.Skip("layout checked on 64-bit platforms only")
	}

	var hdr sgIOHdr
	c.Assert(unsafe.Sizeof(hdr), Equals, uintptr(88))
	c.Assert(unsafe.Offsetof(hdr.dxferLen), Equals, uintptr(12))
	c.Assert(unsafe.Offsetof(hdr.dxferp), Equals, uintptr(16))
	c.Assert(unsafe.Offsetof(hdr.cmdp), Equals, uintptr(24))
	c.Assert(unsafe.Offsetof(hdr.sbp), Equals, uintptr(32))
	c.Assert(unsafe.Offsetof(hdr.timeout), Equals, uintptr(40))
	c.Assert(unsafe.Offsetof(hdr.usrPtr), Equals, uintptr(56))
	c.Assert(unsafe.Offsetof(hdr.status), Equals, uintptr(64))
	c.Assert(unsafe.Offsetof(hdr.hostStatus), Equals, uintptr(68))
	c.Assert(unsafe.Offsetof(hdr.resid), Equals, uintptr(72))
	c.Assert(unsafe.Offsetof(hdr.info), Equals, uintptr(80))

	// The kernel writes through these, so the collector has to see them as pointers.
	hdrType := reflect.TypeOf(hdr)
	for _, name := range []string{"dxferp", "cmdp", "sbp"} {
		field, ok := hdrType.FieldByName(name)
		c.Assert(ok, Equals, true)
		c.Assert(field.Type.Kind(), Equals, reflect.Ptr, Commentf("field %v", name))
	}
}

func (s *TestSuite) TestNewBCARequest(c *C) {
	hdr, response, sense := newBCARequest()

	c.Assert(response, HasLen, bcaResponseSize)
	c.Assert(sense, HasLen, senseBufferSize)
	c.Assert(hdr.interfaceID, Equals, int32(sgInterfaceID))
	c.Assert(hdr.dxferDirection, Equals, int32(sgDxferFromDev))
	c.Assert(hdr.dxferLen, Equals, uint32(bcaResponseSize))
	c.Assert(hdr.mxSbLen, Equals, uint8(senseBufferSize))
	c.Assert(hdr.dxferp == &response[0], Equals, true)
	c.Assert(hdr.sbp == &sense[0], Equals, true)

	cdb := unsafe.Slice(hdr.cmdp, int(hdr.cmdLen))
	c.Assert(cdb, HasLen, 12)
	c.Assert(cdb[0], Equals, byte(readDiscStructure))
	c.Assert(cdb[7], Equals, byte(discStructureBCA))
	c.Assert(int(cdb[8])<<8|int(cdb[9]), Equals, bcaResponseSize)
}
