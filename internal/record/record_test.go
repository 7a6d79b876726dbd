package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Object(t *testing.T) {
	rec, failure := Decode("m-1", []byte(`{"id": 9007199254740993, "name": "widget", "tags": ["a", "b"]}`))
	require.Nil(t, failure)
	require.NotNil(t, rec)

	assert.Equal(t, "widget", rec["name"])
	assert.Equal(t, json.Number("9007199254740993"), rec["id"])
	assert.Len(t, rec["tags"], 2)
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{name: "plain text", payload: []byte("Message number 1")},
		{name: "truncated object", payload: []byte(`{"id": 1`)},
		{name: "trailing garbage", payload: []byte(`{"id": 1} {"id": 2}`)},
		{name: "array", payload: []byte(`[{"id": 1}]`)},
		{name: "scalar", payload: []byte(`42`)},
		{name: "null", payload: []byte(`null`), wantErr: ErrNotObject},
		{name: "empty", payload: []byte{}},
		{name: "invalid utf8", payload: []byte{'{', 0xff, 0xfe, '}'}, wantErr: ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, failure := Decode("m-bad", tt.payload)
			require.NotNil(t, failure)
			assert.Nil(t, rec)
			assert.Equal(t, "m-bad", failure.MessageID)
			assert.Error(t, failure.Err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, failure, tt.wantErr)
			}
		})
	}
}

func TestDecodeFailure_ErrorIncludesPreview(t *testing.T) {
	_, failure := Decode("m-7", []byte("not json"))
	require.NotNil(t, failure)

	var target *DecodeFailure
	require.True(t, errors.As(error(failure), &target))
	assert.Contains(t, failure.Error(), "m-7")
	assert.Contains(t, failure.Error(), "not json")
}

func TestDecode_PreviewTruncated(t *testing.T) {
	payload := []byte(strings.Repeat("x", 250))
	_, failure := Decode("m-long", payload)
	require.NotNil(t, failure)
	assert.Equal(t, strings.Repeat("x", PreviewLimit)+"...", failure.Preview)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview([]byte("short"), 10))
	assert.Equal(t, "abc...", Preview([]byte("abcdef"), 3))

	// "é" is two bytes; a cut in the middle backs off to the rune start.
	assert.Equal(t, "a...", Preview([]byte("aéb"), 2))

	assert.Equal(t, "a�b", Preview([]byte{'a', 0xff, 'b'}, 10))
}
