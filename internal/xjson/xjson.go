// Package xjson is the single JSON import site for scriptd. Parameters,
// results and the HTTP API all encode through goccy/go-json.
package xjson

import (
	"bytes"
	stdjson "encoding/json"
	"io"
	"strconv"
	"strings"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *gjson.Decoder {
	return gjson.NewDecoder(r)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// Number is a JSON number literal kept as text.
type Number = stdjson.Number

// maxExactInt is the largest integer a float64 holds without rounding.
const maxExactInt = 1 << 53

// UnmarshalNumbers is Unmarshal for generic targets (*map[string]any,
// *[]any, *any). Integer literals beyond float64 precision decode as
// Number so they encode back unchanged; every other number is a float64.
func UnmarshalNumbers(data []byte, v any) error {
	if !gjson.Valid(data) {
		return gjson.Unmarshal(data, v)
	}
	dec := gjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch t := v.(type) {
	case *map[string]any:
		ExactNumbers(*t)
	case *[]any:
		for i := range *t {
			(*t)[i] = exact((*t)[i])
		}
	case *any:
		*t = exact(*t)
	}
	return nil
}

// ExactNumbers rewrites, in place, the Number values a decoder with
// UseNumber left in m: those a float64 represents exactly become float64.
func ExactNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = exact(v)
	}
	return m
}

func exact(v any) any {
	switch x := v.(type) {
	case Number:
		s := x.String()
		if strings.ContainsAny(s, ".eE") {
			if f, err := x.Float64(); err == nil {
				return f
			}
			return x
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil || i > maxExactInt || i < -maxExactInt {
			return x
		}
		return float64(i)
	case map[string]any:
		return ExactNumbers(x)
	case []any:
		for i := range x {
			x[i] = exact(x[i])
		}
		return x
	}
	return v
}
