package proto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxUnpacked caps inflated gzip_packed bodies.
const maxUnpacked = MaxPayloadSize

func encodeBody(o object, gzipThreshold int) ([]byte, error) {
	raw, err := encodeObject(o)
	if err != nil {
		return nil, err
	}
	if gzipThreshold <= 0 || len(raw) <= gzipThreshold {
		return raw, nil
	}
	packed, err := pack(raw)
	if err != nil {
		return nil, err
	}
	return encodeObject(object{Type: "Object", Predicate: PredicateGzipPacked, Params: Params{"packed_data": packed}})
}

// decodeBody unwraps one gzip_packed level.
func decodeBody(body []byte) (object, error) {
	o, err := decodeObject(body)
	if err != nil {
		return object{}, err
	}
	if o.Predicate != PredicateGzipPacked {
		return o, nil
	}
	data, ok := o.Params.Bytes("packed_data")
	if !ok {
		return object{}, fmt.Errorf("%w: gzip_packed without packed_data", ErrInvalidFrame)
	}
	raw, err := unpack(data)
	if err != nil {
		return object{}, err
	}
	inner, err := decodeObject(raw)
	if err != nil {
		return object{}, err
	}
	if inner.Predicate == PredicateGzipPacked {
		return object{}, fmt.Errorf("%w: nested gzip_packed", ErrInvalidFrame)
	}
	return inner, nil
}

func pack(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpack(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, maxUnpacked+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(raw) > maxUnpacked {
		return nil, ErrInvalidFrame
	}
	return raw, nil
}
