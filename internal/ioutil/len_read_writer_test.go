package ioutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenReadWriter(t *testing.T) {
	in, out := net.Pipe()
	rwIn := NewLenReadWriter(in, 0)
	rwOut := NewLenReadWriter(out, 0)

	errCh := make(chan error)
	go func() {
		_, err := rwIn.Write([]byte("foo"))
		errCh <- err
	}()

	packet, err := rwOut.ReadPacket()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(packet[:HeaderLen]))
	assert.Equal(t, []byte("foo"), packet[HeaderLen:])

	go func() {
		_, err := rwOut.ReadPacket()
		errCh <- err
	}()

	n, err := rwIn.Write([]byte("bar"))
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, 3, n)
}

func TestLenReadWriter_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewLenReadWriter(&buf, 0)
	_, err := w.Write(make([]byte, 16))
	require.NoError(t, err)

	r := NewLenReadWriter(&buf, 8)
	_, err = r.ReadPacket()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrPacketTooLarge.Error())
}

func TestLenReadWriter_Truncated(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(hdr, 10)
	buf.Write(hdr)
	buf.Write([]byte("short"))

	_, err := NewLenReadWriter(&buf, 0).ReadPacket()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
