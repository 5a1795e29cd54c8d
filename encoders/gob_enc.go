package encoders

import (
	"bytes"
	"encoding/gob"
)

// GobEncoder uses encoding/gob, useful between two wiremsg clients that are
// both Go processes and want to avoid a JSON schema.
type GobEncoder struct{}

func (GobEncoder) Encode(_ string, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobEncoder) Decode(_ string, data []byte, vPtr any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(vPtr)
}
