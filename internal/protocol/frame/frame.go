package frame

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/botwire/internal/protocol"
)

const (
	lengthSep = '/'
	headerEnd = '\n'

	// maxHeaderDigits bounds a decimal length prefix; anything longer cannot be a length.
	maxHeaderDigits = 20
	readChunkBytes  = 32 * 1024
)

var (
	ErrMalformedHeader = fmt.Errorf("%w: malformed length header", protocol.ErrFraming)
	ErrReplyOverflow   = fmt.Errorf("%w: reply exceeds declared length", protocol.ErrFraming)
	ErrReplyTooLarge   = errors.New("frame: reply too large")
	ErrFrameTooLarge   = errors.New("frame: frame too large")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxReplyBytes uint64
	MaxFrameBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxReplyBytes: 64 * 1024 * 1024,
		MaxFrameBytes: 64 * 1024 * 1024,
	}
}

// Encode renders one outbound call frame: "len/len/.../len/\n" followed by the
// concatenated argument bytes. Argument values are never escaped.
func Encode(args ...any) []byte {
	fields := make([][]byte, len(args))
	size := 1
	for i, arg := range args {
		fields[i] = FormatArg(arg)
		size += len(fields[i]) + 8
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for _, f := range fields {
		buf.WriteString(strconv.Itoa(len(f)))
		buf.WriteByte(lengthSep)
	}
	buf.WriteByte(headerEnd)
	for _, f := range fields {
		buf.Write(f)
	}
	return buf.Bytes()
}

// EncodeFile renders the binary upload frame used for file pushes. Only the three
// lengths are declared and the payload follows function and path unframed.
func EncodeFile(function, path string, payload []byte) []byte {
	header := strconv.Itoa(len(function)) + "/" +
		strconv.Itoa(len(path)) + "/" +
		strconv.Itoa(len(payload)) + "\n"

	buf := make([]byte, 0, len(header)+len(function)+len(path)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, function...)
	buf = append(buf, path...)
	buf = append(buf, payload...)
	return buf
}

// FormatArg renders one argument the way drivers parse it. nil is the empty value.
func FormatArg(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return t
	case string:
		return []byte(t)
	case bool:
		return strconv.AppendBool(nil, t)
	case int:
		return strconv.AppendInt(nil, int64(t), 10)
	case int8:
		return strconv.AppendInt(nil, int64(t), 10)
	case int16:
		return strconv.AppendInt(nil, int64(t), 10)
	case int32:
		return strconv.AppendInt(nil, int64(t), 10)
	case int64:
		return strconv.AppendInt(nil, t, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(t), 10)
	case uint8:
		return strconv.AppendUint(nil, uint64(t), 10)
	case uint16:
		return strconv.AppendUint(nil, uint64(t), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(t), 10)
	case uint64:
		return strconv.AppendUint(nil, t, 10)
	case float32:
		return strconv.AppendFloat(nil, float64(t), 'f', -1, 32)
	case float64:
		return strconv.AppendFloat(nil, t, 'f', -1, 64)
	case fmt.Stringer:
		return []byte(t.String())
	default:
		return []byte(fmt.Sprint(t))
	}
}

// ReplyBuffer accumulates one reply: a "<total>/" header followed by exactly total
// payload bytes, possibly spread over many socket reads.
type ReplyBuffer struct {
	limits Limits
	header []byte
	want   int
	data   []byte
}

func NewReplyBuffer(limits Limits) *ReplyBuffer {
	b := &ReplyBuffer{limits: limits}
	b.Reset()
	return b
}

// Reset discards any partial reply and waits for a fresh header.
func (b *ReplyBuffer) Reset() {
	b.header = b.header[:0]
	b.want = -1
	b.data = nil
}

// Started reports whether any byte of the current reply has been fed.
func (b *ReplyBuffer) Started() bool {
	return len(b.header) > 0 || b.want >= 0
}

// Declared returns the declared payload length, or -1 before the header is complete.
func (b *ReplyBuffer) Declared() int {
	return b.want
}

// Bytes returns the accumulated payload.
func (b *ReplyBuffer) Bytes() []byte {
	return b.data
}

// Feed appends one chunk. It reports done once exactly the declared length is held;
// any byte past it is a framing error.
func (b *ReplyBuffer) Feed(chunk []byte) (bool, error) {
	if b.want < 0 {
		i := bytes.IndexByte(chunk, lengthSep)
		if i < 0 {
			b.header = append(b.header, chunk...)
			if len(b.header) > maxHeaderDigits || !isDigits(b.header) {
				return false, fmt.Errorf("%w: %q", ErrMalformedHeader, truncate(b.header))
			}
			return false, nil
		}
		b.header = append(b.header, chunk[:i]...)
		n, err := parseLength(b.header)
		if err != nil {
			return false, err
		}
		if b.limits.MaxReplyBytes > 0 && n > b.limits.MaxReplyBytes {
			return false, fmt.Errorf("%w: declared=%d max=%d", ErrReplyTooLarge, n, b.limits.MaxReplyBytes)
		}
		b.want = int(n)
		b.data = make([]byte, 0, min(b.want, readChunkBytes))
		b.header = b.header[:0]
		chunk = chunk[i+1:]
	}

	if got := len(b.data) + len(chunk); got > b.want {
		return false, fmt.Errorf("%w: declared=%d received=%d", ErrReplyOverflow, b.want, got)
	}
	b.data = append(b.data, chunk...)
	return len(b.data) == b.want, nil
}

// ReadReply reads exactly one reply from r.
func ReadReply(r *bufio.Reader, limits Limits) ([]byte, error) {
	head, err := r.ReadSlice(lengthSep)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrMalformedHeader
		}
		return nil, err
	}
	n, err := parseLength(head[:len(head)-1])
	if err != nil {
		return nil, err
	}
	if limits.MaxReplyBytes > 0 && n > limits.MaxReplyBytes {
		return nil, ErrReplyTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteReply writes one "<len>/payload" reply in a single write. Driver side.
func WriteReply(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+maxHeaderDigits+1)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, lengthSep)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame decodes one outbound call frame into its fields. Driver side.
func ReadFrame(r *bufio.Reader, limits Limits) ([][]byte, error) {
	line, err := r.ReadSlice(headerEnd)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrMalformedHeader
		}
		return nil, err
	}
	header := bytes.TrimSuffix(line[:len(line)-1], []byte{lengthSep})

	var lengths []uint64
	var total uint64
	if len(header) > 0 {
		for _, raw := range bytes.Split(header, []byte{lengthSep}) {
			n, err := parseLength(raw)
			if err != nil {
				return nil, err
			}
			total += n
			lengths = append(lengths, n)
		}
	}
	if limits.MaxFrameBytes > 0 && total > limits.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	fields := make([][]byte, len(lengths))
	for i, n := range lengths {
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func parseLength(raw []byte) (uint64, error) {
	if len(raw) == 0 || len(raw) > maxHeaderDigits || !isDigits(raw) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedHeader, truncate(raw))
	}
	n, err := strconv.ParseUint(string(raw), 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return n, nil
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
