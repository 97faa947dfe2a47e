package proto

// Codec serializes envelope+method and decodes the DC reply for the same envelope.
type Codec struct {
	// GzipThreshold > 0 packs method bodies larger than this as gzip_packed.
	GzipThreshold int
}

// Serialize builds the wire message for env.Mode.
func (c Codec) Serialize(env Envelope, m Method) ([]byte, error) {
	body, err := EncodeMethod(m, c.GzipThreshold)
	if err != nil {
		return nil, err
	}
	if env.Mode == ModePlain {
		return EncodePlain(env.MessageID, body), nil
	}
	return SealEncrypted(env, body)
}

// Deserialize parses a reply to a message sent with env. Encrypted replies must
// carry env's auth key and session id.
func (c Codec) Deserialize(env Envelope, b []byte) (Reply, error) {
	if env.Mode == ModePlain {
		msgID, body, err := DecodePlain(b)
		if err != nil {
			return Reply{}, err
		}
		r, err := DecodeReply(body)
		if err != nil {
			return Reply{}, err
		}
		r.MessageID = msgID
		return r, nil
	}
	srv, body, err := OpenEncrypted(env.AuthKey, b)
	if err != nil {
		return Reply{}, err
	}
	if srv.SessionID != env.SessionID {
		return Reply{}, ErrSessionMismatch
	}
	r, err := DecodeReply(body)
	if err != nil {
		return Reply{}, err
	}
	r.MessageID = srv.MessageID
	return r, nil
}
