package comms

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/moosgo/moos/internal/ioutil"
)

// Wire format. All integers and floats are little-endian.
//
//	packet  = u32 payloadLen | message*        (payloadLen counts the bytes after it)
//	message = u32 bodyLen | body
//	body    = type(1) kind(1) id(i32) key src aux community time(f64) payload
//	string  = u32 len | bytes
//	payload = f64                               (kind 'D')
//	        | string                            (kind 'S' or 'B')
const (
	// MaxPacketSize bounds the payload of a single packet.
	MaxPacketSize = 64 << 20

	msgHeaderLen = 4
	fixedBodyLen = 1 + 1 + 4 + 4*4 + 8
)

// ErrMalformedPacket is returned when a packet or message cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

func putString(b []byte, s string) []byte {
	b = putUint32(b, uint32(len(s)))
	return append(b, s...)
}

func putUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func putFloat64(b []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(b, tmp[:]...)
}

func bodySize(m *Msg) int {
	n := fixedBodyLen + len(m.Key) + len(m.Source) + len(m.SourceAux) + len(m.Community)
	switch m.Kind {
	case DoublePayload:
		n += 8
	case StringPayload:
		n += 4 + len(m.String)
	case BinaryPayload:
		n += 4 + len(m.Binary)
	}
	return n
}

func appendMessage(b []byte, m *Msg) []byte {
	b = putUint32(b, uint32(bodySize(m)))
	b = append(b, byte(m.Type), byte(m.Kind))
	b = putUint32(b, uint32(m.ID))
	b = putString(b, m.Key)
	b = putString(b, m.Source)
	b = putString(b, m.SourceAux)
	b = putString(b, m.Community)
	b = putFloat64(b, m.Time)
	switch m.Kind {
	case DoublePayload:
		b = putFloat64(b, m.Double)
	case StringPayload:
		b = putString(b, m.String)
	case BinaryPayload:
		b = putUint32(b, uint32(len(m.Binary)))
		b = append(b, m.Binary...)
	}
	return b
}

// EncodeMessage serializes a single message, length prefix included.
func EncodeMessage(m Msg) []byte {
	return appendMessage(make([]byte, 0, msgHeaderLen+bodySize(&m)), &m)
}

// decoder walks a buffer and refuses to read past its end.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b) {
		d.err = errors.Wrapf(ErrMalformedPacket, "field of %d bytes exceeds remaining %d", n, len(d.b))
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) byte() byte {
	if v := d.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if v := d.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (d *decoder) float64() float64 {
	if v := d.take(8); v != nil {
		return math.Float64frombits(binary.LittleEndian.Uint64(v))
	}
	return 0
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(d.b)) {
		d.err = errors.Wrapf(ErrMalformedPacket, "field of %d bytes exceeds remaining %d", n, len(d.b))
		return nil
	}
	return d.take(int(n))
}

func (d *decoder) string() string { return string(d.bytes()) }

func decodeBody(body []byte) (Msg, error) {
	d := &decoder{b: body}
	var m Msg
	m.Type = MsgType(d.byte())
	m.Kind = PayloadKind(d.byte())
	m.ID = int32(d.uint32())
	m.Key = d.string()
	m.Source = d.string()
	m.SourceAux = d.string()
	m.Community = d.string()
	m.Time = d.float64()
	if d.err != nil {
		return Msg{}, d.err
	}
	if !m.Type.valid() {
		return Msg{}, errors.Wrapf(ErrMalformedPacket, "unknown message type %d", byte(m.Type))
	}
	switch m.Kind {
	case DoublePayload:
		m.Double = d.float64()
	case StringPayload:
		m.String = d.string()
	case BinaryPayload:
		m.Binary = append([]byte{}, d.bytes()...)
	default:
		return Msg{}, errors.Wrapf(ErrMalformedPacket, "unknown payload kind %d", byte(m.Kind))
	}
	if d.err != nil {
		return Msg{}, d.err
	}
	if len(d.b) != 0 {
		return Msg{}, errors.Wrapf(ErrMalformedPacket, "%d trailing bytes in message", len(d.b))
	}
	return m, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(b []byte) (Msg, error) {
	d := &decoder{b: b}
	body := d.bytes()
	if d.err != nil {
		return Msg{}, d.err
	}
	if len(d.b) != 0 {
		return Msg{}, errors.Wrapf(ErrMalformedPacket, "%d trailing bytes after message", len(d.b))
	}
	return decodeBody(body)
}

// EncodePacket serializes msgs into a single length-prefixed packet.
func EncodePacket(msgs []Msg) []byte {
	size := 0
	for i := range msgs {
		size += msgHeaderLen + bodySize(&msgs[i])
	}
	b := make([]byte, 0, ioutil.HeaderLen+size)
	b = putUint32(b, uint32(size))
	for i := range msgs {
		b = appendMessage(b, &msgs[i])
	}
	return b
}

// DecodePacket is the inverse of EncodePacket. The declared length must
// match the buffer exactly.
func DecodePacket(b []byte) ([]Msg, error) {
	if len(b) < ioutil.HeaderLen {
		return nil, errors.Wrap(ErrMalformedPacket, "short header")
	}
	size := binary.LittleEndian.Uint32(b)
	if uint64(size) != uint64(len(b)-ioutil.HeaderLen) {
		return nil, errors.Wrapf(ErrMalformedPacket, "declared %d bytes, have %d", size, len(b)-ioutil.HeaderLen)
	}
	d := &decoder{b: b[ioutil.HeaderLen:]}
	var msgs []Msg
	for len(d.b) > 0 {
		body := d.bytes()
		if d.err != nil {
			return nil, d.err
		}
		m, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ReadPacket reads and decodes exactly one packet from r.
func ReadPacket(r io.Reader) ([]Msg, int, error) {
	raw, err := ioutil.NewLenReadWriter(readOnly{r}, MaxPacketSize).ReadPacket()
	if err != nil {
		return nil, 0, err
	}
	msgs, err := DecodePacket(raw)
	return msgs, len(raw), err
}

type readOnly struct{ io.Reader }

func (readOnly) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

const timingLen = 4 * 8

// Timing carries the timestamps of one client/server round trip. The client
// also reports the latency it measured on the previous round trip so the
// server can track it.
type Timing struct {
	ClientTx      float64
	ServerRx      float64
	ServerTx      float64
	ClientLatency float64
}

// EncodeTiming packs t into a binary payload.
func EncodeTiming(t Timing) []byte {
	b := make([]byte, 0, timingLen)
	b = putFloat64(b, t.ClientTx)
	b = putFloat64(b, t.ServerRx)
	b = putFloat64(b, t.ServerTx)
	return putFloat64(b, t.ClientLatency)
}

// DecodeTiming unpacks a binary payload produced by EncodeTiming.
func DecodeTiming(b []byte) (Timing, error) {
	if len(b) != timingLen {
		return Timing{}, errors.Wrapf(ErrMalformedPacket, "timing payload of %d bytes", len(b))
	}
	d := &decoder{b: b}
	return Timing{
		ClientTx:      d.float64(),
		ServerRx:      d.float64(),
		ServerTx:      d.float64(),
		ClientLatency: d.float64(),
	}, nil
}
