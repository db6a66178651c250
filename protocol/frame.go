// Package protocol implements the wire-level layers of the message-exchange
// subprotocol: the framed stream, the identity preamble, and the
// turn-taking state machine.
//
// Frame format:
//
//	[4-byte BE length][compressed self-describing typed blob]
//
// The framer does not buffer past the current message: each SendTyped or
// ReceiveTyped call reads or writes exactly one frame.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"mxtransport/codec"
)

// MaxFrameSize bounds both the length prefix and the decompressed size of
// a single frame. A peer
// that has already passed the trust-set / thumbprint check can still send
// a malicious length prefix; without a cap ReceiveTyped would allocate
// whatever the peer claims.
const MaxFrameSize = 16 * 1024 * 1024

// Stream is a framed, compressed, typed byte-stream reader/writer. It
// wraps any io.ReadWriter — in production that is an already-handshaken
// *tls.Conn, but tests use net.Pipe or bytes.Buffer.
//
// Reads go through a single bufio.Reader so that ReadLine (used by the
// identity preamble and turn-taking tokens) and ReceiveTyped (used for
// message bursts) never lose bytes to each other's buffering.
type Stream struct {
	r     *bufio.Reader
	w     io.Writer
	codec codec.Codec
}

// NewStream wraps rw with the default self-describing codec.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{r: bufio.NewReader(rw), w: rw, codec: codec.Default}
}

// NewStreamFromReader builds a Stream from a reader that has already
// buffered some bytes off w (e.g. securelistener peeking at the first few
// bytes to distinguish an HTTP GET from the identity preamble), so those
// bytes aren't lost the way a fresh bufio.Reader would drop them.
func NewStreamFromReader(r *bufio.Reader, w io.Writer) *Stream {
	return &Stream{r: r, w: w, codec: codec.Default}
}

// SendTyped serializes v with the codec, compresses the result, and
// writes [4-byte BE length][compressed blob].
func (s *Stream) SendTyped(v any) error {
	payload, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return fmt.Errorf("protocol: compressor: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return fmt.Errorf("protocol: compress: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("protocol: compress flush: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(compressed.Len()))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := s.w.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("protocol: write body: %w", err)
	}
	return nil
}

// ReceiveTyped reads one frame and decodes it into v (a pointer).
func (s *Stream) ReceiveTyped(v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("protocol: frame length %d exceeds %d bytes", n, MaxFrameSize)
	}

	compressed := make([]byte, n)
	if _, err := io.ReadFull(s.r, compressed); err != nil {
		return fmt.Errorf("protocol: read body: %w", err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	payload, err := io.ReadAll(io.LimitReader(fr, MaxFrameSize+1))
	if err != nil {
		return fmt.Errorf("protocol: decompress: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)
	}

	if err := s.codec.Decode(payload, v); err != nil {
		return fmt.Errorf("protocol: decode: %w", err)
	}
	return nil
}

// WriteLine writes text followed by CRLF, used for the identity preamble
// and turn-taking control tokens.
func (s *Stream) WriteLine(text string) error {
	_, err := fmt.Fprintf(s.w, "%s\r\n", text)
	return err
}

// ReadLine reads one CRLF-terminated ASCII line, stripping the terminator.
func (s *Stream) ReadLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("protocol: read line: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
