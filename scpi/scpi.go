// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/mxoscope/comm"
	"github.com/nasa-jpl/mxoscope/fault"
)

const (
	// DefaultTimeout is the general command timeout
	DefaultTimeout = 5 * time.Second

	// DefaultOPCTimeout bounds operations that wait for *OPC?
	DefaultOPCTimeout = 10 * time.Second

	// DefaultChunkSize is the number of bytes read per slice of a bulk transfer
	DefaultChunkSize = 100000
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout applies to ordinary commands and queries
	Timeout time.Duration

	// OPCTimeout applies to the wait inside WriteOPC
	OPCTimeout time.Duration

	// Limiter paces commands for instruments that drop input when
	// flooded.  nil means unpaced.
	Limiter *rate.Limiter

	mu        sync.Mutex
	byteOrder binary.ByteOrder
	chunkSize int
}

// New returns an SCPI with the default timeouts and a little endian,
// 100 kB chunked binary transfer format
func New(pool *comm.Pool) *SCPI {
	return &SCPI{
		Pool:       pool,
		Timeout:    DefaultTimeout,
		OPCTimeout: DefaultOPCTimeout,
		byteOrder:  binary.LittleEndian,
		chunkSize:  DefaultChunkSize,
	}
}

// session is one transaction's view of a pooled connection
type session struct {
	tw   *comm.Timeout
	term *comm.Terminator
}

// do runs fn with exclusive use of a pooled connection.  Connections that
// saw an error are destroyed rather than reused, since a half-read response
// would poison the next transaction.
func (s *SCPI) do(op string, fn func(*session) error) (err error) {
	if s.Limiter != nil {
		time.Sleep(s.Limiter.Reserve().Delay())
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return fault.Classify(op, err)
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tw, err := comm.NewTimeout(conn, timeout)
	if err != nil {
		return fault.Classify(op, err)
	}
	err = fn(&session{tw: tw, term: comm.NewTerminator(tw, '\n', '\n')})
	return fault.Classify(op, err)
}

func (s *SCPI) frame(cmds []string) string {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

func errQueueOK(str string) bool {
	return strings.HasPrefix(str, "0") || strings.HasPrefix(str, "+0")
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.do("scpi.Write", func(ss *session) error {
		_, err := io.WriteString(ss.term, s.frame(cmds))
		if err != nil {
			return err
		}
		if s.Handshaking {
			resp, err := ss.term.ReadMessage()
			if err != nil {
				return err
			}
			if str := string(resp); !errQueueOK(str) {
				return fault.Errorf(fault.Transport, "scpi.Write", "device rejected %q: %s", strings.Join(cmds, " "), str)
			}
		}
		return nil
	})
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	var resp []byte
	err := s.do("scpi.WriteRead", func(ss *session) error {
		_, err := io.WriteString(ss.term, s.frame(cmds))
		if err != nil {
			return err
		}
		resp, err = ss.term.ReadMessage()
		if err != nil {
			return err
		}
		if s.Handshaking {
			idx := strings.LastIndexByte(string(resp), ';')
			if idx < 0 {
				return fault.Errorf(fault.Transport, "scpi.WriteRead", "response %q lacks the error queue entry", resp)
			}
			if errS := string(resp[idx+1:]); !errQueueOK(errS) {
				return fault.Errorf(fault.Transport, "scpi.WriteRead", "device rejected %q: %s", strings.Join(cmds, " "), errS)
			}
			resp = resp[:idx]
		}
		return nil
	})
	return resp, err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimSpace(string(resp)), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fault.E(fault.Transport, "scpi.ReadFloat", errors.Wrapf(err, "malformed response to %s", strings.Join(cmds, " ")))
	}
	return f, nil
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer.  Instruments commonly answer
// integer queries in exponent form ("1E+3"), which is accepted.
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	f, err := s.ReadFloat(cmds...)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// WriteOPC sends cmd followed by *OPC? and blocks until the device reports
// the operation complete or OPCTimeout elapses
func (s *SCPI) WriteOPC(cmd string) error {
	return s.do("scpi.WriteOPC", func(ss *session) error {
		_, err := io.WriteString(ss.term, cmd+";*OPC?")
		if err != nil {
			return err
		}
		opc := s.OPCTimeout
		if opc <= 0 {
			opc = DefaultOPCTimeout
		}
		ss.tw.SetTimeout(opc)
		resp, err := ss.term.ReadMessage()
		if err != nil {
			return err
		}
		if str := strings.TrimSpace(string(resp)); str != "1" && str != "+1" {
			return fault.Errorf(fault.Transport, "scpi.WriteOPC", "unexpected *OPC? response %q", str)
		}
		return nil
	})
}

// SetBinaryTransfer configures how ReadFloats decodes binary blocks:
// the byte order of the single precision values and the number of bytes
// read per slice.  chunkSize <= 0 restores the default.
func (s *SCPI) SetBinaryTransfer(order binary.ByteOrder, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byteOrder = order
	s.chunkSize = chunkSize
}

func (s *SCPI) binaryTransfer() (binary.ByteOrder, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byteOrder == nil {
		return binary.LittleEndian, DefaultChunkSize
	}
	return s.byteOrder, s.chunkSize
}

// ReadFloats sends a query whose response is a list of numbers, either an
// IEEE 488.2 definite length block of single precision floats or a comma
// separated ASCII list, and returns the values
func (s *SCPI) ReadFloats(cmd string) ([]float64, error) {
	var ret []float64
	order, chunk := s.binaryTransfer()
	err := s.do("scpi.ReadFloats", func(ss *session) error {
		_, err := io.WriteString(ss.term, cmd)
		if err != nil {
			return err
		}
		br := ss.term.Buffered()
		first, err := br.Peek(1)
		if err != nil {
			return err
		}
		if first[0] != '#' {
			resp, err := ss.term.ReadMessage()
			if err != nil {
				return err
			}
			ret, err = parseASCIIFloats(string(resp))
			return err
		}
		payload, err := ReadBlock(br, chunk)
		if err != nil {
			return err
		}
		ret, err = DecodeFloat32(payload, order)
		return err
	})
	return ret, err
}

// SendFile writes payload to remotePath on the instrument's mass memory
func (s *SCPI) SendFile(payload []byte, remotePath string) error {
	err := s.do("scpi.SendFile", func(ss *session) error {
		var buf strings.Builder
		fmt.Fprintf(&buf, "MMEMory:DATA '%s',", remotePath)
		buf.Write(EncodeBlock(payload))
		buf.WriteByte('\n')
		_, err := io.WriteString(ss.tw, buf.String())
		return err
	})
	if err != nil || !s.Handshaking {
		return err
	}
	return s.PopError()
}

// Raw sends str as typed, without handshake framing, and returns the
// response if it was a query, else a blank string.  When Handshaking the
// error queue is checked afterwards.
func (s *SCPI) Raw(str string) (string, error) {
	var resp []byte
	err := s.do("scpi.Raw", func(ss *session) error {
		if _, err := io.WriteString(ss.term, str); err != nil {
			return err
		}
		if !strings.Contains(str, "?") {
			return nil
		}
		var err error
		resp, err = ss.term.ReadMessage()
		return err
	})
	if err == nil && s.Handshaking {
		err = s.PopError()
	}
	return strings.TrimSpace(string(resp)), err
}

// maxErrors bounds AllErrors against a queue that never reports empty
const maxErrors = 100

// popEntry reads one entry from the device's error queue.  The query is
// sent bare even when Handshaking, whose *CLS would empty the queue first.
func (s *SCPI) popEntry(op string) (string, error) {
	var resp []byte
	err := s.do(op, func(ss *session) error {
		_, err := io.WriteString(ss.term, "SYSTem:ERRor?")
		if err != nil {
			return err
		}
		resp, err = ss.term.ReadMessage()
		return err
	})
	return strings.TrimSpace(string(resp)), err
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.popEntry("scpi.PopError")
	if err != nil {
		return err
	}
	if errQueueOK(str) {
		return nil
	}
	return fault.Errorf(fault.Transport, "scpi.PopError", "%s", str)
}

// AllErrors drains the device's error queue and returns its entries, oldest
// first.  It stops at the first failed query, returning the entries read
// before it.
func (s *SCPI) AllErrors() ([]string, error) {
	entries := []string{}
	for len(entries) < maxErrors {
		str, err := s.popEntry("scpi.AllErrors")
		if err != nil {
			return entries, err
		}
		if errQueueOK(str) {
			break
		}
		entries = append(entries, str)
	}
	return entries, nil
}

func parseASCIIFloats(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []float64{}, nil
	}
	fields := strings.Split(s, ",")
	ret := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fault.E(fault.Transport, "scpi.ReadFloats", errors.Wrapf(err, "value %d of ASCII list", i))
		}
		ret[i] = v
	}
	return ret, nil
}
