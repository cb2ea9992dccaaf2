package simulator

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
)

// ListenAndServe listens on the TCP address addr and serves connections
func (in *Instrument) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	in.log.WithField("addr", ln.Addr().String()).Info("simulated MXO listening")
	return in.Serve(ln)
}

// Serve accepts connections on ln until it is closed, serving each on its own
// goroutine.  Connections share the instrument's state.
func (in *Instrument) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go in.handle(conn)
	}
}

func (in *Instrument) handle(conn net.Conn) {
	defer conn.Close()
	log := in.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("simulator connection opened")
	r := bufio.NewReader(conn)
	for {
		msg, err := readMessage(r)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("simulator connection closed")
			}
			return
		}
		resp := in.process(msg)
		if resp == nil {
			continue
		}
		if _, err = conn.Write(append(resp, '\n')); err != nil {
			log.WithError(err).Debug("simulator write failed")
			return
		}
	}
}

// process runs every command in a message and joins the responses to its
// queries with semicolons.  nil means no query was present.
func (in *Instrument) process(msg string) []byte {
	in.Lock()
	defer in.Unlock()
	parts := []string{msg}
	if _, ok := blockEnd(msg); !ok {
		parts = strings.Split(msg, ";")
	}
	var out [][]byte
	for _, p := range parts {
		if resp := in.execute(p); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return bytes.Join(out, []byte{';'})
}

// blockEnd reports whether line carries a MMEMory:DATA definite length block
// and, if so, the index one past the block's last byte
func blockEnd(line string) (int, bool) {
	idx := strings.Index(line, ",#")
	if idx < 0 || !strings.Contains(strings.ToUpper(line[:idx]), "MMEM") {
		return 0, false
	}
	start := idx + 3
	if start > len(line) {
		return 0, false
	}
	nd := int(line[idx+2] - '0')
	if nd < 1 || nd > 9 || start+nd > len(line) {
		return 0, false
	}
	n, err := strconv.Atoi(line[start : start+nd])
	if err != nil {
		return 0, false
	}
	return start + nd + n, true
}

// readMessage reads one newline terminated message.  A file upload's block
// may itself contain newlines, so reading continues until the whole block
// has arrived.
func readMessage(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		end, ok := blockEnd(line)
		if !ok {
			break
		}
		if len(line) > end {
			return line[:end], nil
		}
		more, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line += more
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
