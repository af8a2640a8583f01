package cache

import (
	"bytes"
	"encoding/json"
)

// Codec converts payloads to and from bytes for size measurement and
// snapshots.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// Sizer measures a payload in bytes.
type Sizer[V any] func(v V) (int64, error)

// JSONCodec encodes payloads with encoding/json. It is the default codec.
type JSONCodec[V any] struct{}

// Marshal implements Codec.
func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// BytesCodec stores byte-like payloads as they are.
type BytesCodec[V ~[]byte] struct{}

// Marshal implements Codec.
func (BytesCodec[V]) Marshal(v V) ([]byte, error) {
	return []byte(v), nil
}

// Unmarshal implements Codec.
func (BytesCodec[V]) Unmarshal(data []byte) (V, error) {
	return V(bytes.Clone(data)), nil
}

// CodecSizer measures a payload as the length of its encoding.
func CodecSizer[V any](codec Codec[V]) Sizer[V] {
	return func(v V) (int64, error) {
		data, err := codec.Marshal(v)
		if err != nil {
			return 0, err
		}
		return int64(len(data)), nil
	}
}

// BytesSizer measures byte-like payloads by their length.
func BytesSizer[V ~[]byte | ~string](v V) (int64, error) {
	return int64(len(v)), nil
}

// Option customizes a ResponseCache.
type Option[V any] func(*ResponseCache[V])

// WithCodec sets the codec used for snapshots and, unless WithSizer is also
// given, for size measurement.
func WithCodec[V any](codec Codec[V]) Option[V] {
	return func(c *ResponseCache[V]) {
		c.codec = codec
	}
}

// WithSizer sets the size measurement function.
func WithSizer[V any](sizer Sizer[V]) Option[V] {
	return func(c *ResponseCache[V]) {
		c.sizer = sizer
	}
}
