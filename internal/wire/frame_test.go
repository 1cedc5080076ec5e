package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/marci1175/szechat/internal/chaterr"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello")},
		{"binary", []byte{0x00, 0xff, 0x10, 0x00, 0x01}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tc.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !bytes.Equal(got, tc.payload) {
				t.Fatalf("got %v, want %v", got, tc.payload)
			}
		})
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxFrameSize+1)
	err := WriteFrame(&buf, big)
	if !errors.Is(err, chaterr.ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameShortRead(t *testing.T) {
	// Declares a length of 10 but supplies only 2 bytes of payload.
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 1, 2})
	_, err := ReadFrame(buf)
	if !errors.Is(err, chaterr.ErrShortRead) {
		t.Fatalf("want ErrShortRead, got %v", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buf)
	if !errors.Is(err, chaterr.ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeDecodeDatagramRoundTrip(t *testing.T) {
	payload := []byte("voice-chunk")
	encoded := EncodeDatagram(payload)
	decoded, err := DecodeDatagram(encoded)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("got %v, want %v", decoded, payload)
	}
}

func TestDecodeDatagramMalformed(t *testing.T) {
	cases := [][]byte{
		{},
		{0, 0},
		{0, 0, 0, 5, 1, 2}, // claims 5 bytes, has 2
	}
	for _, c := range cases {
		if _, err := DecodeDatagram(c); !errors.Is(err, chaterr.ErrShortRead) {
			t.Fatalf("input %v: want ErrShortRead, got %v", c, err)
		}
	}
}
