// Package jsoncodec is the single JSON entry point for the pipeline. Every
// envelope and API payload goes through sonic in std-compatible mode so the
// wire format stays byte-compatible with encoding/json.
package jsoncodec

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// api is sonic pinned to encoding/json semantics. Envelope consumers rely on
// unknown fields being ignored for forward compatibility.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsoncodec: marshal %T: %w", v, err)
	}
	return data, nil
}

func Unmarshal(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsoncodec: unmarshal into %T: %w", v, err)
	}
	return nil
}

// Encode streams v to w followed by a newline, matching json.Encoder.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

// Decode reads a single JSON value from r into v.
func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}

// WriteResponse emits v as the JSON body of an HTTP response. The admin
// surface routes every reply through here so content type and encoding stay
// uniform.
func WriteResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return Encode(w, v)
}
