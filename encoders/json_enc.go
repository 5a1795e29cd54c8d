package encoders

import "encoding/json"

// JSONEncoder is the default Encoder: plain encoding/json, same as the
// wire format wiremsg itself uses for INFO/CONNECT.
type JSONEncoder struct{}

func (JSONEncoder) Encode(_ string, v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONEncoder) Decode(_ string, data []byte, vPtr any) error {
	return json.Unmarshal(data, vPtr)
}
