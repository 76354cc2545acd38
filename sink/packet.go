package sink

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"
)

// packet verbs understood by the file writer daemon and broadcast listeners
const (
	verbOpen byte = iota + 1
	verbStore
	verbClose
	verbSetMode
	verbStop
)

// ErrBadChecksum is generated when a packet fails CRC validation
var ErrBadChecksum = errors.New("packet checksum mismatch")

var byteOrder = binary.BigEndian

// packet is one framed command on the wire.  Layout:
// [verb, 1B][meta len, 4B][meta JSON][data len, 4B][data][CRC-16/CCITT, 2B]
// the CRC covers everything before it.
type packet struct {
	verb byte
	meta []byte
	data []byte
}

func newPacket(verb byte, meta interface{}, data []byte) (packet, error) {
	p := packet{verb: verb, data: data}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return p, err
		}
		p.meta = b
	}
	return p, nil
}

// encode flattens the packet with length prefixes and a trailing checksum
func (p packet) encode() []byte {
	buf := make([]byte, 0, 1+4+len(p.meta)+4+len(p.data)+2)
	buf = append(buf, p.verb)
	buf = byteOrder.AppendUint32(buf, uint32(len(p.meta)))
	buf = append(buf, p.meta...)
	buf = byteOrder.AppendUint32(buf, uint32(len(p.data)))
	buf = append(buf, p.data...)
	sum := crc.CalculateCRC(crc.CCITT, buf)
	buf = byteOrder.AppendUint16(buf, uint16(sum))
	return buf
}

// decodePacket reads one packet from r and validates its checksum
func decodePacket(r io.Reader) (packet, error) {
	p := packet{}
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return p, err
	}
	p.verb = head[0]
	metaLen := byteOrder.Uint32(head[1:5])
	p.meta = make([]byte, metaLen)
	if _, err := io.ReadFull(r, p.meta); err != nil {
		return p, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return p, err
	}
	dataLen := byteOrder.Uint32(lenBuf)
	p.data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, p.data); err != nil {
		return p, err
	}
	sumBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, sumBuf); err != nil {
		return p, err
	}
	var body bytes.Buffer
	body.WriteByte(p.verb)
	body.Write(head[1:5])
	body.Write(p.meta)
	body.Write(lenBuf)
	body.Write(p.data)
	sum := uint16(crc.CalculateCRC(crc.CCITT, body.Bytes()))
	if sum != byteOrder.Uint16(sumBuf) {
		return p, ErrBadChecksum
	}
	return p, nil
}

func (p packet) String() string {
	return fmt.Sprintf("packet{verb: %d, meta: %d B, data: %d B}", p.verb, len(p.meta), len(p.data))
}
