package coalesce

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/big"
	"slices"
	"strconv"
)

// Key identifies a set of generation parameters. Two requests are
// compatible, and may share a batch, exactly when their keys are equal.
type Key [sha256.Size]byte

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns an abbreviated hex form for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:6])
}

// strippedParams never affect grouping and are never forwarded downstream.
var strippedParams = []string{"prompt", "user", "stream"}

func stripped(name string, ignored []string) bool {
	return slices.Contains(strippedParams, name) || slices.Contains(ignored, name)
}

// DeriveKey computes the compatibility key for a parameter map. The prompt,
// the per-caller fields user and stream, and any name in ignored are left
// out. Object keys are sorted and numbers
// are normalised, so maps with the same entries always produce the same key
// regardless of insertion order or numeric representation.
//
// Only strings, numbers, booleans, nil and nested maps or slices of these
// are accepted; any other value yields ErrInvalidRequest.
func DeriveKey(params map[string]any, ignored ...string) (Key, error) {
	var buf bytes.Buffer
	skip := func(name string) bool {
		return stripped(name, ignored)
	}
	if err := encodeMap(&buf, params, skip, "params"); err != nil {
		return Key{}, err
	}
	return sha256.Sum256(buf.Bytes()), nil
}

func encodeValue(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		buf.WriteByte('s')
		buf.WriteString(strconv.Quote(val))
	case json.Number:
		return encodeNumberString(buf, val.String(), path)
	case float64:
		return encodeFloat(buf, val, path)
	case float32:
		return encodeFloat(buf, float64(val), path)
	case int:
		encodeInt(buf, int64(val))
	case int8:
		encodeInt(buf, int64(val))
	case int16:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case uint:
		encodeBigInt(buf, new(big.Int).SetUint64(uint64(val)))
	case uint8:
		encodeInt(buf, int64(val))
	case uint16:
		encodeInt(buf, int64(val))
	case uint32:
		encodeInt(buf, int64(val))
	case uint64:
		encodeBigInt(buf, new(big.Int).SetUint64(val))
	case map[string]any:
		return encodeMap(buf, val, nil, path)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeMap(buf, m, nil, path)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('s')
			buf.WriteString(strconv.Quote(s))
		}
		buf.WriteByte(']')
	default:
		return invalidf("unsupported value of type %T at %s", v, path)
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m map[string]any, skip func(string) bool, path string) error {
	names := make([]string, 0, len(m))
	for name := range m {
		if skip != nil && skip(name) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(name))
		buf.WriteByte(':')
		if err := encodeValue(buf, m[name], path+"."+name); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Integral numbers are written as exact decimal integers, everything else
// as the shortest float representation, so 2, 2.0 and "2e0" coincide.
func encodeNumberString(buf *bytes.Buffer, s string, path string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		encodeInt(buf, i)
		return nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return invalidf("malformed number %q at %s", s, path)
	}
	if r.IsInt() {
		encodeBigInt(buf, r.Num())
		return nil
	}
	f, _ := r.Float64()
	return encodeFloat(buf, f, path)
}

func encodeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalidf("non-finite number at %s", path)
	}
	if f == math.Trunc(f) {
		if math.Abs(f) < 1<<63 {
			encodeInt(buf, int64(f))
		} else {
			i, _ := new(big.Float).SetFloat64(f).Int(nil)
			encodeBigInt(buf, i)
		}
		return nil
	}
	buf.WriteByte('n')
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func encodeInt(buf *bytes.Buffer, i int64) {
	buf.WriteByte('n')
	buf.WriteString(strconv.FormatInt(i, 10))
}

func encodeBigInt(buf *bytes.Buffer, i *big.Int) {
	if i.IsInt64() {
		encodeInt(buf, i.Int64())
		return
	}
	buf.WriteByte('n')
	buf.WriteString(i.String())
}

// cloneParams deep-copies a parameter map, dropping the stripped and
// ignored names. The copy is what a group keeps and forwards downstream.
func cloneParams(params map[string]any, ignored []string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if stripped(k, ignored) {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}
