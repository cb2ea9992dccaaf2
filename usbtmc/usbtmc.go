/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and exposes a device as an io.ReadWriteCloser so it
can sit behind a comm.Pool like any TCP or serial link.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read request header and send it on the Out endpoint
2.  Read from the In endpoint
3.  Strip the 12 byte header and the alignment padding, honoring the
	transfer size the device reported
4.  Repeat whenever the caller has consumed the pending payload

These macros are implemented as Write() and Read() on the Device type defined in this package.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02

	// maxTransfer is the size requested from the device per bulk-in transaction
	maxTransfer = 1 << 16
)

// ErrNoEndpoint is returned when the interface lacks a bulk in or out endpoint
var ErrNoEndpoint = errors.New("usbtmc: interface has no bulk endpoint pair")

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(btag BTagger, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, 1 <= x <= 255, incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, excludes header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	tag := btag.nextbTag()
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // every write is a complete message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(btag BTagger, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	/* differs from BulkOut by bytes 8~11
	8 bitmap, bit 1 TermCharEnabled
	9 terminator byte
	*/
	tag := btag.nextbTag()
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the decoded form of the header on a DEV_DEP_MSG_IN response
type bulkInHeader struct {
	tag          byte
	transferSize int
	eom          bool
}

func decBulkInHeader(b []byte) (bulkInHeader, error) {
	var h bulkInHeader
	if len(b) < headerSize {
		return h, fmt.Errorf("usbtmc: only received %d bytes, need at least %d to form header", len(b), headerSize)
	}
	if b[0] != msgRequestDevDepIn {
		return h, fmt.Errorf("usbtmc: unexpected MsgID %#x in bulk-in header", b[0])
	}
	if b[2] != invbTag(b[1]) {
		return h, fmt.Errorf("usbtmc: bTag %#x does not match its inverse %#x", b[1], b[2])
	}
	h.tag = b[1]
	h.transferSize = int(binary.LittleEndian.Uint32(b[4:8]))
	h.eom = b[8]&0x01 == 1
	return h, nil
}

// pad4 extends b with zeros to a multiple of 4 bytes
func pad4(b []byte) []byte {
	const alignment = 4
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// Device hides the details of USB and exposes an io.ReadWriteCloser
type Device struct {
	tagger  BTagger
	ctx     *gousb.Context
	device  *gousb.Device
	iface   *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	closer  func()
	pending []byte // payload already received but not yet read
}

// Open opens the first device matching vid and pid.  If serial is not empty,
// the device's serial number must match it as well.
func Open(vid, pid uint16, serial string) (*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if serial != "" {
			sn, serr := d.SerialNumber()
			if serr != nil || sn != serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("usbtmc: no device %04x:%04x serial %q", vid, pid, serial)
	}
	d := &Device{tagger: newBTagGen(), ctx: ctx, device: dev}
	if err = dev.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	d.iface, d.closer, err = dev.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	inNum, outNum := -1, -1
	for _, ep := range d.iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		d.Close()
		return nil, ErrNoEndpoint
	}
	if d.in, err = d.iface.InEndpoint(inNum); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = d.iface.OutEndpoint(outNum); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends b as one DEV_DEP_MSG_OUT transfer
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger, len(b))
	msg := pad4(append(hdr[:], b...))
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read returns payload bytes, requesting a new bulk-in transfer from the
// device when nothing is pending.  Headers and padding are never returned.
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		if err := d.request(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) request() error {
	hdr := encBulkInHeader(d.tagger, maxTransfer, nil)
	if _, err := d.out.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, maxTransfer+headerSize+3)
	n, err := d.in.Read(buf)
	if err != nil {
		return err
	}
	h, err := decBulkInHeader(buf[:n])
	if err != nil {
		return err
	}
	payload := buf[headerSize:n]
	if h.transferSize < len(payload) {
		payload = payload[:h.transferSize]
	}
	d.pending = payload
	return nil
}

// Close releases the interface, the device, and the USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
		d.ctx = nil
	}
	return err
}
