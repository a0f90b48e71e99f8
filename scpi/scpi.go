// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/nanoprep/comm"
)

const (
	// DefaultTimeout bounds each read and write when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	frameSize = 1500

	// maxErrors caps AllErrors in case a device never reports an empty queue
	maxErrors = 32
)

// Error is an entry of the device's error queue, e.g. -113,"Undefined header"
type Error struct {
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("SCPI error %d: %s", e.Code, e.Message)
}

// ParseError parses a reply to SYSTem:ERRor?.  Code 0 is no error and yields
// nil.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg, _ := strings.Cut(s, ",")
	i, err := strconv.Atoi(strings.TrimPrefix(code, "+"))
	if err != nil {
		return fmt.Errorf("unparseable error query reply %q", s)
	}
	if i == 0 {
		return nil
	}
	return Error{Code: i, Message: strings.Trim(msg, `"`)}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each read and write on connections that take deadlines
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// exchange sends cmds joined into one line and, if query, reads the reply
func (s *SCPI) exchange(query bool, cmds ...string) (resp string, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if err != nil {
		return "", err
	}
	if s.Handshaking {
		cmds = append([]string{"*CLS"}, cmds...)
		cmds = append(cmds, ":SYSTem:ERRor?")
	}
	if _, err = io.WriteString(wrap, strings.Join(cmds, ";")); err != nil {
		return "", err
	}
	if !query && !s.Handshaking {
		return "", nil
	}
	buf := make([]byte, frameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return "", err
	}
	resp = strings.TrimRight(string(buf[:n]), "\r\n")
	if s.Handshaking {
		var errS string
		if query {
			idx := strings.LastIndexByte(resp, ';')
			if idx < 0 {
				return "", fmt.Errorf("reply %q is missing the error query", resp)
			}
			resp, errS = resp[:idx], resp[idx+1:]
		} else {
			resp, errS = "", resp
		}
		if derr := ParseError(errS); derr != nil {
			return resp, derr
		}
	}
	return resp, nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK.
// It is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(false, cmds...)
	return err
}

// ReadString sends a command to the device, then reads the response
// and returns it with the line ending removed
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.exchange(true, cmds...)
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadFloats sends a command to the device, then parses the comma separated
// reply, e.g. a multi element :READ?
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	return ParseFloats(resp)
}

// ParseFloats parses a comma separated list of numbers
func ParseFloats(s string) ([]float64, error) {
	pieces := strings.Split(s, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("element %d of %q: %w", i, s, err)
		}
		out[i] = f
	}
	return out, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are accepted.
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(resp), "+"))
}

// Raw sends a command without handshaking and returns a response if it was a
// query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	raw := SCPI{Pool: s.Pool, Timeout: s.Timeout}
	if strings.Contains(str, "?") {
		return raw.ReadString(str)
	}
	return "", raw.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw(":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors drains the error queue on the device
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < maxErrors; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(Error); !ok {
			break
		}
	}
	return errs
}
