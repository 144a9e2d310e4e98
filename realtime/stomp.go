package realtime

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/jrsteele09/go-listsync/internal/errors"
)

// STOMP 1.2 commands used by the subscriber and the brokers it talks to.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Frame is one STOMP frame. Each websocket message carries exactly one frame;
// a message holding only EOLs is a heart-beat and decodes to a Frame with an
// empty Command.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, headers map[string]string, body []byte) Frame {
	if headers == nil {
		headers = map[string]string{}
	}
	return Frame{Command: command, Headers: headers, Body: body}
}

func (f Frame) Header(name string) string {
	return f.Headers[name]
}

func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// Encode renders the frame; headers are sorted for stable output.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')

	names := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteString(escapeHeader(k))
		b.WriteByte(':')
		b.WriteString(escapeHeader(f.Headers[k]))
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		if _, ok := f.Headers["content-length"]; !ok {
			fmt.Fprintf(&b, "content-length:%d\n", len(f.Body))
		}
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// DecodeFrame parses a single frame.
func DecodeFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	if len(trimmed) == 0 {
		return Frame{}, nil
	}

	headEnd := bytes.Index(trimmed, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(trimmed, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return Frame{}, fmt.Errorf("[DecodeFrame] missing header terminator: %w", errors.ErrMalformedPush)
	}

	lines := strings.Split(strings.ReplaceAll(string(trimmed[:headEnd]), "\r\n", "\n"), "\n")
	f := NewFrame(lines[0], nil, nil)
	if f.Command == "" {
		return Frame{}, fmt.Errorf("[DecodeFrame] missing command: %w", errors.ErrMalformedPush)
	}
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("[DecodeFrame] bad header %q: %w", line, errors.ErrMalformedPush)
		}
		k = unescapeHeader(k)
		// The first occurrence of a repeated header wins.
		if _, seen := f.Headers[k]; !seen {
			f.Headers[k] = unescapeHeader(v)
		}
	}

	body := trimmed[headEnd+sepLen:]
	if nul := bytes.IndexByte(body, 0); nul >= 0 {
		body = body[:nul]
	} else {
		return Frame{}, fmt.Errorf("[DecodeFrame] missing NUL terminator: %w", errors.ErrMalformedPush)
	}
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f, nil
}

var (
	headerEscaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	headerUnescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	return headerUnescaper.Replace(s)
}
