package rawresponse

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Response is the head of a raw HTTP response message.
// The header map is built once and looked up case-insensitively.
type Response struct {
	Proto      string
	StatusCode int
	Header     http.Header
}

// StatusCode returns the status code from the first line of a raw response,
// i.e. its second whitespace-delimited token.
// It returns 0 if there is no such token or it is not a number.
func StatusCode(raw []byte) int {
	line := raw
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// Parse reads the status line and header fields of a raw response.
// The body is ignored.
//
// Stored responses may be truncated by the origin read ceiling, so a header
// section without its terminating empty line is still returned,
// together with the error.
func Parse(raw []byte) (Response, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return Response{}, errors.Wrap(err, "could not read status line")
	}
	res := Response{StatusCode: StatusCode([]byte(statusLine))}
	if fields := strings.Fields(statusLine); len(fields) > 0 {
		res.Proto = fields[0]
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	res.Header = http.Header(mimeHeader)
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	if err != nil && err != io.EOF {
		return res, errors.Wrap(err, "could not read header fields")
	}
	return res, nil
}
