// Package record decodes broker message payloads into JSON-object records.
package record

import (
	"errors"
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// PreviewLimit is the number of payload bytes kept in a DecodeFailure preview.
const PreviewLimit = 100

// JSON is the codec shared by everything that reads or writes records.
// Numbers decode as json.Number so integers survive a round trip unchanged.
var JSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Record is one decoded JSON object. Treat it as read-only once decoded.
type Record = map[string]any

// ErrInvalidUTF8 is reported when a payload is not UTF-8 text.
var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

// ErrNotObject is reported when a payload is valid JSON but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// DecodeFailure describes a payload that could not be decoded.
type DecodeFailure struct {
	MessageID string
	Preview   string
	Err       error
}

func (f *DecodeFailure) Error() string {
	return fmt.Sprintf("decode message %s: %v (data: %q)", f.MessageID, f.Err, f.Preview)
}

func (f *DecodeFailure) Unwrap() error { return f.Err }

// Decode parses data as a single JSON object. It never panics; every failure
// is returned as a *DecodeFailure carrying a truncated preview of the input.
func Decode(id string, data []byte) (rec Record, failure *DecodeFailure) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			failure = newFailure(id, data, fmt.Errorf("decoder panic: %v", r))
		}
	}()

	if !utf8.Valid(data) {
		return nil, newFailure(id, data, ErrInvalidUTF8)
	}

	var out map[string]any
	if err := JSON.Unmarshal(data, &out); err != nil {
		return nil, newFailure(id, data, err)
	}
	if out == nil {
		return nil, newFailure(id, data, ErrNotObject)
	}
	return out, nil
}

func newFailure(id string, data []byte, err error) *DecodeFailure {
	return &DecodeFailure{MessageID: id, Preview: Preview(data, PreviewLimit), Err: err}
}

// Preview returns at most limit bytes of data as text, cut on a rune boundary
// and suffixed with "..." when truncated. Invalid UTF-8 is replaced.
func Preview(data []byte, limit int) string {
	if len(data) <= limit {
		return toValidString(data)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return toValidString(data[:cut]) + "..."
}

func toValidString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}
