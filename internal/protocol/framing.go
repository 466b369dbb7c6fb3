package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alexjbarnes/bep-sync/internal/errors"
	"github.com/pierrec/lz4/v4"
)

const (
	// HelloMagic opens the hello exchange.
	HelloMagic uint32 = 0x2EA7D90B

	// MaxHelloSize bounds the encoded hello message.
	MaxHelloSize = 32767

	// MaxMessageSize bounds both the wire body and its uncompressed form.
	MaxMessageSize = 500 << 20

	// compressionThreshold is the smallest body worth compressing.
	compressionThreshold = 128

	readBufferSize = 64 << 10
)

// WriteHello writes the magic, the hello length and the hello message.
func WriteHello(w io.Writer, h *Hello) error {
	body := h.Marshal()
	if len(body) > MaxHelloSize {
		return errors.Protocolf("hello message too large: %d bytes", len(body))
	}

	buf := make([]byte, 6, 6+len(body))
	binary.BigEndian.PutUint32(buf[0:4], HelloMagic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(body)))
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing hello: %w", err)
	}

	return nil
}

// ReadHello reads and validates a hello exchange from r.
func ReadHello(r io.Reader) (*Hello, error) {
	var prefix [6]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading hello prefix: %w", err)
	}

	if magic := binary.BigEndian.Uint32(prefix[0:4]); magic != HelloMagic {
		return nil, errors.Protocolf("bad hello magic 0x%08x", magic)
	}

	size := int16(binary.BigEndian.Uint16(prefix[4:6]))
	if size < 0 {
		return nil, errors.Protocolf("invalid hello length %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	h := &Hello{}
	if err := h.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}

	return h, nil
}

// Writer frames post-authentication messages. It is not safe for
// concurrent use; callers serialize writes.
type Writer struct {
	w        io.Writer
	compress bool
}

// NewWriter returns a Writer. When compress is set, bodies of at least
// 128 bytes are LZ4 compressed if that makes them smaller.
func NewWriter(w io.Writer, compress bool) *Writer {
	return &Writer{w: w, compress: compress}
}

// WriteMessage writes one complete frame with a single Write call.
func (w *Writer) WriteMessage(msg Message) error {
	body := msg.Marshal()
	hdr := Header{Type: msg.Type(), Compression: MessageCompressionNone}

	if len(body) > MaxMessageSize {
		return errors.Protocolf("%s message too large: %d bytes", msg.Type(), len(body))
	}

	if w.compress && len(body) >= compressionThreshold {
		if compressed, ok := compressLZ4(body); ok {
			body = compressed
			hdr.Compression = MessageCompressionLZ4
		}
	}

	hb := hdr.Marshal()

	frame := make([]byte, 2, 2+len(hb)+4+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(hb)))
	frame = append(frame, hb...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type(), err)
	}

	return nil
}

// Reader decodes post-authentication frames. It is not safe for
// concurrent use.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// ReadMessage reads the next message. A zero header length is keepalive
// filler and is skipped. I/O errors are returned as they are; framing and
// decoding failures are marked as protocol errors.
func (r *Reader) ReadMessage() (Message, error) {
	var hdrLen int16

	for hdrLen == 0 {
		var prefix [2]byte
		if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
			return nil, err
		}

		hdrLen = int16(binary.BigEndian.Uint16(prefix[:]))
	}

	if hdrLen < 0 {
		return nil, errors.Protocolf("invalid header length %d", hdrLen)
	}

	hb := make([]byte, hdrLen)
	if _, err := io.ReadFull(r.r, hb); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var hdr Header
	if err := hdr.Unmarshal(hb); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	var prefix [4]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading body length: %w", err)
	}

	bodyLen := int32(binary.BigEndian.Uint32(prefix[:]))
	if bodyLen < 0 || bodyLen > MaxMessageSize {
		return nil, errors.Protocolf("invalid body length %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("reading %s body: %w", hdr.Type, err)
	}

	switch hdr.Compression {
	case MessageCompressionNone:
	case MessageCompressionLZ4:
		var err error

		body, err = decompressLZ4(body)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Protocolf("unknown compression %d", hdr.Compression)
	}

	msg, err := newMessage(hdr.Type)
	if err != nil {
		return nil, err
	}

	if err := msg.Unmarshal(body); err != nil {
		return nil, errors.Mark(fmt.Errorf("decoding %s: %w", hdr.Type, err), errors.ErrProtocol)
	}

	return msg, nil
}

// compressLZ4 returns the length-prefixed LZ4 block for body, or false
// when compression does not shrink it.
func compressLZ4(body []byte) ([]byte, bool) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(body)))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))

	n, err := lz4.CompressBlock(body, buf[4:], nil)
	if err != nil || n == 0 || 4+n >= len(body) {
		return nil, false
	}

	return buf[:4+n], true
}

func decompressLZ4(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, errors.Protocolf("lz4 body too short: %d bytes", len(body))
	}

	size := binary.BigEndian.Uint32(body)
	if size > MaxMessageSize {
		return nil, errors.Protocolf("lz4 uncompressed length %d too large", size)
	}

	out := make([]byte, size)

	n, err := lz4.UncompressBlock(body[4:], out)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("decompressing lz4 body: %w", err), errors.ErrProtocol)
	}

	if n != int(size) {
		return nil, errors.Protocolf("lz4 body decompressed to %d bytes, want %d", n, size)
	}

	return out, nil
}
