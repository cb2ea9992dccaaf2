package comm

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/mxoscope/usbtmc"
)

// Link is the physical connection type named by a resource string
type Link int

const (
	// TCP is a raw socket, usually port 5025 on SCPI instruments
	TCP Link = iota
	// USB is a USBTMC device
	USB
	// Serial is an RS232 or virtual COM port
	Serial
)

// DefaultSCPIPort is the raw-socket port used when a resource does not name one
const DefaultSCPIPort = 5025

// Resource is a parsed VISA-style resource string
type Resource struct {
	Link Link

	// Addr is host:port for TCP and the device path for Serial
	Addr string

	// VID, PID, and SerialNumber identify USB devices
	VID, PID     uint16
	SerialNumber string

	// Baud is used for Serial links
	Baud int
}

// ParseResource understands the VISA resource strings instruments print on
// their remote settings page, as well as bare host:port pairs:
//
//	TCPIP0::192.168.1.20::inst0::INSTR
//	TCPIP::192.168.1.20::5025::SOCKET
//	USB0::0x0AAD::0x0197::1335.5050k04-201064::INSTR
//	ASRL/dev/ttyUSB0::INSTR
//	192.168.1.20:5025
func ParseResource(s string) (Resource, error) {
	var r Resource
	s = strings.TrimSpace(s)
	if s == "" {
		return r, fmt.Errorf("empty resource string")
	}
	parts := strings.Split(s, "::")
	head := strings.ToUpper(parts[0])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		if len(parts) < 2 {
			return r, fmt.Errorf("resource %q has no host", s)
		}
		r.Link = TCP
		port := DefaultSCPIPort
		if len(parts) >= 4 && strings.EqualFold(parts[len(parts)-1], "SOCKET") {
			p, err := strconv.Atoi(parts[2])
			if err != nil {
				return r, fmt.Errorf("resource %q has bad port: %w", s, err)
			}
			port = p
		}
		r.Addr = net.JoinHostPort(parts[1], strconv.Itoa(port))
	case strings.HasPrefix(head, "USB"):
		if len(parts) < 3 {
			return r, fmt.Errorf("resource %q needs vendor and product IDs", s)
		}
		r.Link = USB
		vid, err := strconv.ParseUint(parts[1], 0, 16)
		if err != nil {
			return r, fmt.Errorf("resource %q has bad vendor ID: %w", s, err)
		}
		pid, err := strconv.ParseUint(parts[2], 0, 16)
		if err != nil {
			return r, fmt.Errorf("resource %q has bad product ID: %w", s, err)
		}
		r.VID, r.PID = uint16(vid), uint16(pid)
		if len(parts) >= 5 {
			r.SerialNumber = parts[3]
		}
	case strings.HasPrefix(head, "ASRL"):
		r.Link = Serial
		r.Addr = parts[0][len("ASRL"):]
		r.Baud = 115200
		if r.Addr == "" {
			return r, fmt.Errorf("resource %q has no device path", s)
		}
	default:
		if len(parts) != 1 {
			return r, fmt.Errorf("resource %q not understood", s)
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			return r, fmt.Errorf("resource %q not understood: %w", s, err)
		}
		r.Link = TCP
		r.Addr = s
	}
	return r, nil
}

func (r Resource) String() string {
	switch r.Link {
	case USB:
		return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", r.VID, r.PID, r.SerialNumber)
	case Serial:
		return "ASRL" + r.Addr + "::INSTR"
	default:
		return r.Addr
	}
}

// MakerFor returns a CreationFunc for the resource's link type.
// timeout bounds connection establishment.
func MakerFor(r Resource, timeout time.Duration) CreationFunc {
	switch r.Link {
	case USB:
		return USBConnMaker(r.VID, r.PID, r.SerialNumber)
	case Serial:
		return SerialConnMaker(&serial.Config{
			Name:        r.Addr,
			Baud:        r.Baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: timeout})
	default:
		return BackingOffTCPConnMaker(r.Addr, timeout)
	}
}

// USBConnMaker returns a CreationFunc that opens a USBTMC device
func USBConnMaker(vid, pid uint16, serialNumber string) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return usbtmc.Open(vid, pid, serialNumber)
	}
}
