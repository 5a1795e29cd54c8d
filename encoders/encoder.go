// Package encoders provides the built-in Encoder implementations used by
// wiremsg.EncodedConn: JSON, Gob, Protobuf and BSON.
package encoders

// Encoder marshals and unmarshals Go values for EncodedConn. Decode takes a
// pointer; implementations should treat subject as context only (none of
// the built-ins key their wire format on it).
type Encoder interface {
	Encode(subject string, v any) ([]byte, error)
	Decode(subject string, data []byte, vPtr any) error
}

// Names under which the built-in encoders are registered, as accepted by
// wiremsg.NewEncodedConn.
const (
	JSONEncoderName     = "json"
	GobEncoderName      = "gob"
	ProtobufEncoderName = "protobuf"
	BSONEncoderName     = "bson"
)
