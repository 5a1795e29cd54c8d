package encoders

import "go.mongodb.org/mongo-driver/bson"

// BSONEncoder uses go.mongodb.org/mongo-driver/bson, handy when the same
// struct also round-trips through a Mongo collection.
type BSONEncoder struct{}

func (BSONEncoder) Encode(_ string, v any) ([]byte, error) {
	return bson.Marshal(v)
}

func (BSONEncoder) Decode(_ string, data []byte, vPtr any) error {
	return bson.Unmarshal(data, vPtr)
}
