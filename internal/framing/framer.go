// Package framing turns one raw message-bus payload into the JSON objects it
// carries. Payloads may be LZMA compressed, may end with a stray NUL or
// line-feed byte, and may hold several JSON objects back to back with no
// separator beyond the `}{` boundary.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ulikunitz/xz/lzma"
)

// ErrFraming reports a payload that could not be split into JSON objects,
// either because decompression failed or because an object was malformed.
var ErrFraming = errors.New("framing failed")

// Object is one JSON document from a bus message, tagged with the topic it
// arrived on. Numbers are decoded as json.Number so that envelope values such
// as protocol "1.0" keep their exact literal form.
type Object struct {
	Topic  string
	Fields map[string]any
}

// Frame splits a raw payload into its JSON objects, in arrival order.
//
// Objects framed before a malformed one are still returned alongside the
// error, so a caller may use them best-effort.
func Frame(payload []byte, topic string) ([]Object, error) {
	text, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}

	var objects []Object
	for {
		doc := text
		boundary := strings.Index(text, "}{")
		if boundary != -1 {
			doc = text[:boundary+1]
			text = text[boundary+1:]
		}

		fields, err := parseObject(doc)
		if err != nil {
			return objects, fmt.Errorf("%w: %v", ErrFraming, err)
		}
		objects = append(objects, Object{Topic: topic, Fields: fields})

		if boundary == -1 {
			return objects, nil
		}
	}
}

// decodePayload yields the text form of the payload. A payload that is not
// valid UTF-8 is assumed to be LZMA compressed. One trailing NUL or LF byte
// (an artifact of the producing sensor firmware) is stripped, at most once.
func decodePayload(payload []byte) (string, error) {
	text := payload
	if !utf8.Valid(payload) {
		r, err := lzma.NewReader(bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("%w: lzma: %v", ErrFraming, err)
		}
		text, err = io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("%w: lzma: %v", ErrFraming, err)
		}
	}

	if n := len(text); n > 0 && (text[n-1] == 0x00 || text[n-1] == '\n') {
		text = text[:n-1]
	}
	return string(text), nil
}

func parseObject(doc string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	// The document must be exactly one object; trailing bytes after it mean
	// the split was wrong or the payload is corrupt.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return fields, nil
}
