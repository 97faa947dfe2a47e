package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrShortRead       = errors.New("short read")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrInvalidParam    = errors.New("invalid param")
	ErrAuthKeyMismatch = errors.New("auth key id mismatch")
	ErrSessionMismatch = errors.New("session id mismatch")
)

// param wire tags.
const (
	tagInt64  byte = 0x01
	tagString byte = 0x02
	tagBytes  byte = 0x03
	tagBool   byte = 0x04
)

const (
	maxStrLen   = 1024
	maxParams   = 256
	plainHeader = AuthKeyIDSize + 8 + 4
	innerHeader = 8 + 8 + 8 + 4 + 4
)

// EncodeFrame writes 9-byte header + payload to w (payload opt).
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return errors.New("payload too large")
	}
	header := [FrameHeaderSize]byte{}
	header[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(header[1:5], f.StreamID)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrame reads one frame; payloadBuf opt (nil = alloc).
func DecodeFrame(r io.Reader, payloadBuf []byte) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	ft := FrameType(header[0])
	streamID := binary.LittleEndian.Uint32(header[1:5])
	length := binary.LittleEndian.Uint32(header[5:9])
	var payload []byte
	if length > 0 {
		if length > MaxPayloadSize {
			return nil, ErrInvalidFrame
		}
		if payloadBuf != nil && cap(payloadBuf) >= int(length) {
			payload = payloadBuf[:length]
		} else {
			payload = make([]byte, length)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return &Frame{Type: ft, StreamID: streamID, Payload: payload}, nil
}

// EncodeErrorPayload: status (4 LE) + message, for TypeError frames.
func EncodeErrorPayload(status int, msg string) []byte {
	b := make([]byte, 4, 4+len(msg))
	binary.LittleEndian.PutUint32(b, uint32(status))
	return append(b, msg...)
}

// DecodeErrorPayload parses TypeError payload -> status, message.
func DecodeErrorPayload(payload []byte) (int, string, error) {
	if len(payload) < 4 {
		return 0, "", ErrInvalidFrame
	}
	return int(binary.LittleEndian.Uint32(payload[:4])), string(payload[4:]), nil
}

// object: shared body shape of methods and replies.
type object struct {
	Type      string
	Predicate string
	Params    Params
}

func encodeObject(o object) ([]byte, error) {
	if err := o.Params.Validate(); err != nil {
		return nil, err
	}
	if len(o.Params) > maxParams {
		return nil, fmt.Errorf("%w: %d params", ErrInvalidParam, len(o.Params))
	}
	buf := new(bytes.Buffer)
	writeStr(buf, o.Type)
	writeStr(buf, o.Predicate)
	tmp4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp4, uint32(len(o.Params)))
	buf.Write(tmp4)
	tmp8 := make([]byte, 8)
	for _, k := range o.Params.sortedKeys() {
		writeStr(buf, k)
		switch v := o.Params[k].(type) {
		case int:
			buf.WriteByte(tagInt64)
			binary.LittleEndian.PutUint64(tmp8, uint64(v))
			buf.Write(tmp8)
		case int32:
			buf.WriteByte(tagInt64)
			binary.LittleEndian.PutUint64(tmp8, uint64(v))
			buf.Write(tmp8)
		case int64:
			buf.WriteByte(tagInt64)
			binary.LittleEndian.PutUint64(tmp8, uint64(v))
			buf.Write(tmp8)
		case string:
			buf.WriteByte(tagString)
			writeStr(buf, v)
		case []byte:
			buf.WriteByte(tagBytes)
			writeBytes(buf, v)
		case bool:
			buf.WriteByte(tagBool)
			var b byte
			if v {
				b = 1
			}
			buf.WriteByte(b)
		}
	}
	return buf.Bytes(), nil
}

func decodeObject(body []byte) (object, error) {
	r := bytes.NewReader(body)
	typ, err := readStr(r)
	if err != nil {
		return object{}, err
	}
	pred, err := readStr(r)
	if err != nil {
		return object{}, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return object{}, ErrShortRead
	}
	if count > maxParams {
		return object{}, ErrInvalidFrame
	}
	o := object{Type: typ, Predicate: pred}
	if count > 0 {
		o.Params = make(Params, count)
	}
	for i := uint32(0); i < count; i++ {
		name, err := readStr(r)
		if err != nil {
			return object{}, err
		}
		tag, err := r.ReadByte()
		if err != nil {
			return object{}, ErrShortRead
		}
		switch tag {
		case tagInt64:
			var v uint64
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return object{}, ErrShortRead
			}
			o.Params[name] = int64(v)
		case tagString:
			s, err := readBytes(r)
			if err != nil {
				return object{}, err
			}
			o.Params[name] = string(s)
		case tagBytes:
			b, err := readBytes(r)
			if err != nil {
				return object{}, err
			}
			o.Params[name] = b
		case tagBool:
			b, err := r.ReadByte()
			if err != nil {
				return object{}, ErrShortRead
			}
			o.Params[name] = b == 1
		default:
			return object{}, ErrInvalidFrame
		}
	}
	if r.Len() != 0 {
		return object{}, ErrInvalidFrame
	}
	return o, nil
}

func writeStr(w *bytes.Buffer, s string) {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(len(s)))
	w.Write(tmp)
	w.WriteString(s)
}

func writeBytes(w *bytes.Buffer, b []byte) {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(len(b)))
	w.Write(tmp)
	w.Write(b)
}

func readStr(r *bytes.Reader) (string, error) {
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return "", ErrShortRead
	}
	n := binary.LittleEndian.Uint32(ln[:])
	if n > maxStrLen {
		return "", ErrInvalidFrame
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrShortRead
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return nil, ErrShortRead
	}
	n := binary.LittleEndian.Uint32(ln[:])
	if n > MaxPayloadSize || int(n) > r.Len() {
		return nil, ErrInvalidFrame
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrShortRead
	}
	return b, nil
}

// EncodeMethod serializes m as body; gzipThreshold > 0 packs larger bodies.
func EncodeMethod(m Method, gzipThreshold int) ([]byte, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("%w: empty method name", ErrInvalidParam)
	}
	return encodeBody(object{Type: m.Type, Predicate: m.Name, Params: m.Params}, gzipThreshold)
}

// DecodeMethod parses body -> Method (DC side).
func DecodeMethod(body []byte) (Method, error) {
	o, err := decodeBody(body)
	if err != nil {
		return Method{}, err
	}
	return Method{Name: o.Predicate, Type: o.Type, Params: o.Params}, nil
}

// EncodeReply serializes r as body (DC side).
func EncodeReply(r Reply, gzipThreshold int) ([]byte, error) {
	return encodeBody(object{Type: r.Type, Predicate: r.Predicate, Params: r.Params}, gzipThreshold)
}

// DecodeReply parses body -> Reply (MessageID left zero).
func DecodeReply(body []byte) (Reply, error) {
	o, err := decodeBody(body)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Type: o.Type, Predicate: o.Predicate, Params: o.Params}, nil
}

// EncodePlain: zero auth_key_id + message_id + length + body.
func EncodePlain(msgID int64, body []byte) []byte {
	out := make([]byte, plainHeader+len(body))
	binary.LittleEndian.PutUint64(out[AuthKeyIDSize:], uint64(msgID))
	binary.LittleEndian.PutUint32(out[AuthKeyIDSize+8:], uint32(len(body)))
	copy(out[plainHeader:], body)
	return out
}

// DecodePlain parses plain message -> message_id, body.
func DecodePlain(b []byte) (int64, []byte, error) {
	if len(b) < plainHeader {
		return 0, nil, ErrShortRead
	}
	for _, c := range b[:AuthKeyIDSize] {
		if c != 0 {
			return 0, nil, ErrAuthKeyMismatch
		}
	}
	msgID := int64(binary.LittleEndian.Uint64(b[AuthKeyIDSize:]))
	n := binary.LittleEndian.Uint32(b[AuthKeyIDSize+8:])
	if int(n) != len(b)-plainHeader {
		return 0, nil, ErrInvalidFrame
	}
	return msgID, b[plainHeader:], nil
}

// PeekAuthKeyID returns the first 8 bytes (zero = plain message).
func PeekAuthKeyID(b []byte) ([AuthKeyIDSize]byte, error) {
	var id [AuthKeyIDSize]byte
	if len(b) < AuthKeyIDSize {
		return id, ErrShortRead
	}
	copy(id[:], b[:AuthKeyIDSize])
	return id, nil
}

// IsPlain true if auth_key_id is zero.
func IsPlain(b []byte) bool {
	id, err := PeekAuthKeyID(b)
	return err == nil && id == [AuthKeyIDSize]byte{}
}
