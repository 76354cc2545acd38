/*Package comm provides an embeddable transport for remote lab hardware.

Drivers embed RemoteDevice in the type that represents their hardware and
speak to it through Send/Recv/SendRecv, which frame messages with a
terminator byte.  Devices with binary protocols may use the Conn directly
after Open and do their own framing.

A minimal example for a temperature sensor that responds to "RD?" with the
current reading:

	type Sensor struct {
		comm.RemoteDevice
	}

	func (s *Sensor) ReadTemp() (float64, error) {
		if err := s.Open(); err != nil {
			return 0, err
		}
		defer s.Close()
		resp, err := s.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// DefaultTerminator frames messages when a device does not override it.
const DefaultTerminator = byte('\r')

var (
	// ErrNoSerialConf is generated when IsSerial is true but no serial
	// configuration was provided
	ErrNoSerialConf = errors.New("device is marked serial but has no serial config")

	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// RemoteDevice is a connection to a piece of hardware or a daemon over TCP
// or a serial line.  The zero Terminators field means DefaultTerminator is
// used in both directions.
type RemoteDevice struct {
	// Addr is the network address (host:port) or serial device path
	Addr string

	// IsSerial selects a serial line instead of TCP
	IsSerial bool

	// Serial holds the serial port configuration; required when IsSerial
	Serial *serial.Config

	// Tx and Rx override the framing bytes when nonzero
	Tx, Rx byte

	// Timeout bounds connect, read, and write; zero means 3 seconds
	Timeout time.Duration

	// Conn is the open connection, nil before Open and after Close
	Conn io.ReadWriteCloser
}

// NewRemoteDevice returns a RemoteDevice over TCP with default framing.
func NewRemoteDevice(addr string) RemoteDevice {
	return RemoteDevice{Addr: addr}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout == 0 {
		return 3 * time.Second
	}
	return rd.Timeout
}

// Open establishes the connection.  Connection attempts are retried with
// exponential backoff; some devices do not tolerate being connection
// thrashed.  A refused connection aborts the retries immediately.
func (rd *RemoteDevice) Open() error {
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff ceases on a timeout so we don't wait forever; check
	// wasTimeout afterwards to turn that into an error
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.Serial == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.Serial)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close closes the connection, nil-ing Conn
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	if rd.Tx != 0 {
		return rd.Tx
	}
	return DefaultTerminator
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	if rd.Rx != 0 {
		return rd.Rx
	}
	return DefaultTerminator
}

// ResetDeadline pushes the connection deadline Timeout into the future.
// Deadlines are set at connect time and would otherwise expire on a
// connection held open across an idle gap.  No-op on transports without
// deadlines, such as serial lines.
func (rd *RemoteDevice) ResetDeadline() {
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.ResetDeadline()
	b = append(b, rd.TxTerminator())
	_, err := rd.Conn.Write(b)
	return err
}

// Recv reads from the remote up to and stripping the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.ResetDeadline()
	term := rd.RxTerminator()
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		return buf[:len(buf)-1], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a framed message and returns the framed response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
