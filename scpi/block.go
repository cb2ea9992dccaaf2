package scpi

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/nasa-jpl/mxoscope/fault"
)

// EncodeBlock frames payload as an IEEE 488.2 definite length block,
// #<number of length digits><length><payload>
func EncodeBlock(payload []byte) []byte {
	length := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(length)+len(payload))
	out = append(out, '#', byte('0'+len(length)))
	out = append(out, length...)
	return append(out, payload...)
}

// ReadBlock reads one definite length block from r, pulling at most chunkSize
// bytes per read, and consumes the terminator that follows it.  The indefinite
// form (#0) is read up to the newline.
func ReadBlock(r *bufio.Reader, chunkSize int) ([]byte, error) {
	const op = "scpi.ReadBlock"
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	hash, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hash != '#' {
		return nil, fault.Errorf(fault.Transport, op, "first byte in response was %q, expected #", hash)
	}
	nd, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if nd < '0' || nd > '9' {
		return nil, fault.Errorf(fault.Transport, op, "block header digit count %q is not a digit", nd)
	}
	if nd == '0' {
		buf, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		return buf[:len(buf)-1], nil
	}
	digits := make([]byte, int(nd-'0'))
	if _, err = io.ReadFull(r, digits); err != nil {
		return nil, err
	}
	for _, d := range digits {
		if d < '0' || d > '9' {
			return nil, fault.Errorf(fault.Transport, op, "block length %q is not decimal", digits)
		}
	}
	nbytes, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, fault.Errorf(fault.Transport, op, "block length %q: %v", digits, err)
	}
	data := make([]byte, nbytes)
	for off := 0; off < nbytes; off += chunkSize {
		end := off + chunkSize
		if end > nbytes {
			end = nbytes
		}
		if _, err = io.ReadFull(r, data[off:end]); err != nil {
			return nil, err
		}
	}
	// pop off the terminator, tolerating a CRLF
	b, err := r.ReadByte()
	if err == nil && b == '\r' {
		b, err = r.ReadByte()
	}
	if err != nil {
		return nil, err
	}
	if b != '\n' {
		return nil, fault.Errorf(fault.Transport, op, "expected newline after %d byte block, got %q", nbytes, b)
	}
	return data, nil
}

// DecodeFloat32 interprets b as packed single precision floats
func DecodeFloat32(b []byte, order binary.ByteOrder) ([]float64, error) {
	if len(b)%4 != 0 {
		return nil, fault.Errorf(fault.Transport, "scpi.DecodeFloat32", "block of %d bytes is not a whole number of float32", len(b))
	}
	out := make([]float64, len(b)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
	}
	return out, nil
}

// EncodeFloat32 packs values as single precision floats
func EncodeFloat32(values []float64, order binary.ByteOrder) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		order.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

// ByteOrderName returns the SCPI mnemonic for a byte order, LSBFirst or MSBFirst
func ByteOrderName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "MSBFirst"
	}
	return "LSBFirst"
}

// ParseByteOrder is the inverse of ByteOrderName.  Abbreviations
// (LSBF, MSBF) are accepted.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "LSBFirst", "LSBF", "LSBFIRST", "lsbfirst":
		return binary.LittleEndian, nil
	case "MSBFirst", "MSBF", "MSBFIRST", "msbfirst":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("byte order %q not understood, expected LSBFirst or MSBFirst", s)
}
