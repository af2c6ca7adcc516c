package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec is the default wire codec between the hub and its
// registered services: compact, binary, and schema-free — a good fit for
// the hub's dynamically-shaped RPCMessage envelope, which carries an
// already-serialized JSON payload rather than a fixed struct.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeBinary
}
