package ioutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the little-endian length prefix of a packet.
const HeaderLen = 4

// ErrPacketTooLarge is returned when a declared packet length exceeds the
// configured maximum.
var ErrPacketTooLarge = errors.New("packet exceeds maximum size")

// LenReadWriter writes u32 length prepended packets and always reads a whole
// packet. The length prefix counts the bytes that follow it.
type LenReadWriter struct {
	io.ReadWriter
	max uint32
}

// NewLenReadWriter constructs a new LenReadWriter. max bounds the payload
// size accepted by ReadPacket; 0 means no bound.
func NewLenReadWriter(rw io.ReadWriter, max uint32) *LenReadWriter {
	return &LenReadWriter{ReadWriter: rw, max: max}
}

// ReadPacket returns a single received packet, prefix included.
func (rw *LenReadWriter) ReadPacket() ([]byte, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(rw.ReadWriter, hdr); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr)
	if rw.max != 0 && size > rw.max {
		return nil, fmt.Errorf("%v: %d > %d", ErrPacketTooLarge, size, rw.max)
	}
	data := make([]byte, HeaderLen+int(size))
	copy(data, hdr)
	if _, err := io.ReadFull(rw.ReadWriter, data[HeaderLen:]); err != nil {
		return nil, err
	}
	return data, nil
}

// WritePacket writes an already framed packet in full.
func (rw *LenReadWriter) WritePacket(p []byte) error {
	for len(p) > 0 {
		n, err := rw.ReadWriter.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Write frames p with a length prefix and writes it.
func (rw *LenReadWriter) Write(p []byte) (n int, err error) {
	buf := make([]byte, HeaderLen, HeaderLen+len(p))
	binary.LittleEndian.PutUint32(buf, uint32(len(p)))
	if err := rw.WritePacket(append(buf, p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}
