/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, exposing them as an io.ReadWriteCloser so they can
be pooled like any other comm connection.

It supports the bulk transfer mode only and assumes each message fits in the
remote's buffer; there is no chatter / ping-pong for larger transfers.

To send a message:
 1. Write the bulk out header
 2. Write your data
 3. Pad the total transmission to a multiple of 4 bytes

To receive a message:
 1. Send a bulk in request header on the Out endpoint
 2. Read from the In endpoint
 3. Strip the 12 byte header and any alignment bytes past its transfer size
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"

	"github.com/nasa-jpl/nanoprep/comm"
)

const (
	reserved   = 0x00
	headerSize = 12
	alignment  = 4

	msgDevDepOut    = 0x01
	msgRequestIn    = 0x02
	bufSize         = 1500
	eomBit          = 0x01
	termCharBit     = 0x02
	defaultEndpoint = 2
)

// ErrBadHeader is generated when a bulk in response does not match the request
var ErrBadHeader = errors.New("malformed USBTMC bulk in header")

// bTagger is a concurrent-safe bTag generator.  bTags run 1..255 and wrap.
type bTagger struct {
	sync.Mutex
	value byte
}

func (b *bTagger) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a bTag, per USBTMC table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag
	2 bTagInverse
	3 reserved
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 is EOM
	9-11 reserved
	*/
	var out [headerSize]byte
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = eomBit
	return out
}

// encBulkInHeader creates the header defined in USBTMC table 4.
// if terminator is nil the device is told to ignore term chars
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	/* differs from bulk out by bytes 8-9
	8 bitmap, bit 1 enables the termination character
	9 terminator byte
	*/
	var out [headerSize]byte
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = termCharBit
		out[9] = *terminator
	}
	return out
}

// decBulkInResponse validates the header of a DEV_DEP_MSG_IN response to the
// request with tag and returns its payload
func decBulkInResponse(tag byte, buf []byte) ([]byte, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: only received %d bytes", ErrBadHeader, len(buf))
	}
	if buf[0] != msgRequestIn || buf[1] != tag || buf[2] != invbTag(tag) {
		return nil, fmt.Errorf("%w: id %#x tag %d/%d, expected tag %d", ErrBadHeader, buf[0], buf[1], buf[2], tag)
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	data := buf[headerSize:]
	if size > len(data) {
		return nil, fmt.Errorf("%w: transfer size %d exceeds the %d bytes received", ErrBadHeader, size, len(data))
	}
	return data[:size], nil
}

// Device hides the details of USB behind an io.ReadWriteCloser
type Device struct {
	tags bTagger
	in   io.Reader
	out  io.Writer

	// Terminator, if not nil, asks the device to end messages on this byte
	Terminator *byte

	closers []func() error
}

// Open opens the USBTMC device with the given vendor and product ID using its
// default interface and bulk endpoints
func Open(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()
	d := &Device{closers: []func() error{ctx.Close}}
	fail := func(err error) (*Device, error) {
		d.Close()
		return nil, fmt.Errorf("opening USB device %04x:%04x: %w", vid, pid, err)
	}
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return fail(err)
	}
	if dev == nil {
		return fail(gousb.ErrorNotFound)
	}
	d.closers = append([]func() error{dev.Close}, d.closers...)
	if err = dev.SetAutoDetach(true); err != nil {
		return fail(err)
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		return fail(err)
	}
	d.closers = append([]func() error{func() error { done(); return nil }}, d.closers...)
	in, err := iface.InEndpoint(defaultEndpoint)
	if err != nil {
		return fail(err)
	}
	out, err := iface.OutEndpoint(defaultEndpoint)
	if err != nil {
		return fail(err)
	}
	d.in, d.out = in, out
	return d, nil
}

// ConnMaker returns a comm.CreationFunc that opens the device, for use with
// comm.NewPool
func ConnMaker(vid, pid uint16) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return Open(vid, pid)
	}
}

// Write sends b as one end-of-message transfer
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tags.next(), len(b))
	msg := make([]byte, 0, headerSize+len(b)+alignment)
	msg = append(msg, hdr[:]...)
	msg = append(msg, b...)
	if residual := len(msg) % alignment; residual > 0 {
		msg = append(msg, make([]byte, alignment-residual)...)
	}
	n, err := d.out.Write(msg)
	if err != nil {
		return 0, err
	}
	if n < headerSize+len(b) {
		return max(n-headerSize, 0), io.ErrShortWrite
	}
	return len(b), nil
}

// Read requests one message from the device and copies its payload into p
func (d *Device) Read(p []byte) (int, error) {
	tag := d.tags.next()
	hdr := encBulkInHeader(tag, bufSize, d.Terminator)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, err
	}
	if n != headerSize {
		return 0, fmt.Errorf("wrote %d bytes, not the 12 required to request a read", n)
	}
	buf := make([]byte, headerSize+bufSize+alignment)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	data, err := decBulkInResponse(tag, buf[:n])
	if err != nil {
		return 0, err
	}
	n = copy(p, data)
	if n < len(data) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Close releases the interface, the device and the USB context
func (d *Device) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	d.closers = nil
	return errors.Join(errs...)
}
