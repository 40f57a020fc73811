package pack

import (
	"bytes"
	"io"
	"testing"

	"fabric/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripMultipleMessages(t *testing.T) {
	var stream bytes.Buffer

	msgs := []Message{
		Login{Account: NewStr16("ACC1")},
		Opaque{Kind: MessageQuote, Data: []byte("quote-body")},
		Opaque{Kind: MessageHeartbeat},
	}
	for _, m := range msgs {
		buf, err := AppendMessageFrame(nil, m, DefaultMaxPayload)
		require.NoError(t, err)
		stream.Write(buf)
	}

	fr := NewFrameReader(&stream, DefaultMaxPayload)
	for i, want := range msgs {
		payload, err := fr.Next()
		require.NoError(t, err, "frame %d", i)
		got, err := Decode(payload)
		require.NoError(t, err)
		if op, ok := want.(Opaque); ok && op.Data == nil {
			want = Opaque{Kind: op.Kind, Data: []byte{}}
		}
		assert.Equal(t, want, got)
	}

	_, err := fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRejectsBadMarker(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{0x00, 0x11, 0x02, 0x00, 1, 2}), DefaultMaxPayload)
	_, err := fr.Next()
	assert.ErrorIs(t, err, exception.ErrPackBadMarker)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	buf, err := AppendFrame(nil, make([]byte, 64), 0)
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(buf), 32)
	_, err = fr.Next()
	assert.ErrorIs(t, err, exception.ErrPackFrameTooLarge)
}

func TestFrameReaderTruncatedPayload(t *testing.T) {
	buf, err := AppendFrame(nil, []byte{1, 2, 3, 4, 5, 6}, 0)
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(buf[:len(buf)-2]), 0)
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAppendFrameEnforcesMax(t *testing.T) {
	_, err := AppendFrame(nil, make([]byte, 10), 8)
	assert.ErrorIs(t, err, exception.ErrPackFrameTooLarge)

	_, err = AppendMessageFrame(nil, EventLog{}, 64)
	assert.ErrorIs(t, err, exception.ErrPackFrameTooLarge)

	dst := []byte{9, 9}
	out, err := AppendMessageFrame(dst, Opaque{Kind: MessageTradeReport, Data: make([]byte, 100)}, 16)
	assert.ErrorIs(t, err, exception.ErrPackFrameTooLarge)
	assert.Equal(t, []byte{9, 9}, out)
}

func TestWriteFrameHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{7, 8}, 0))
	assert.Equal(t, []byte{0x5A, 0xA5, 0x02, 0x00, 7, 8}, buf.Bytes())
}

func TestNormalizeMaxPayload(t *testing.T) {
	n, err := NormalizeMaxPayload(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPayload, n)

	n, err = NormalizeMaxPayload(1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	_, err = NormalizeMaxPayload(2)
	assert.ErrorIs(t, err, exception.ErrPackInvalidMaxSize)
	_, err = NormalizeMaxPayload(MaxPayloadLimit + 1)
	assert.ErrorIs(t, err, exception.ErrPackInvalidMaxSize)
}

func FuzzDecode(f *testing.F) {
	login, _ := Encode(Login{Account: NewStr16("ACC1")})
	f.Add(login)
	f.Add([]byte{byte(MessageQuote), 0, 0, 0, 1, 2, 3})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, payload []byte) {
		msg, err := Decode(payload)
		if err != nil {
			return
		}
		if _, err := Encode(msg); err != nil {
			t.Fatalf("re-encode decoded %T: %v", msg, err)
		}
	})
}
