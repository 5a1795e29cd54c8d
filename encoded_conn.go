package wiremsg

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/wiremsg/wiremsg-go/encoders"
)

var (
	encRegistryMu sync.RWMutex
	encRegistry   = map[string]encoders.Encoder{
		encoders.JSONEncoderName:     encoders.JSONEncoder{},
		encoders.GobEncoderName:      encoders.GobEncoder{},
		encoders.ProtobufEncoderName: encoders.ProtobufEncoder{},
		encoders.BSONEncoderName:     encoders.BSONEncoder{},
	}
)

// RegisterEncoder makes a custom Encoder available to NewEncodedConn by
// name, alongside the four built-ins.
func RegisterEncoder(name string, enc encoders.Encoder) {
	encRegistryMu.Lock()
	defer encRegistryMu.Unlock()
	encRegistry[name] = enc
}

func encoderByName(name string) (encoders.Encoder, error) {
	encRegistryMu.RLock()
	defer encRegistryMu.RUnlock()
	enc, ok := encRegistry[name]
	if !ok {
		return nil, fmt.Errorf("wiremsg: no encoder registered for %q", name)
	}
	return enc, nil
}

// EncodedConn wraps a *Conn and an Encoder, marshaling/unmarshaling Go
// values instead of raw bytes on Publish/Subscribe/Request, per spec.md
// section 4.8.
type EncodedConn struct {
	Conn *Conn
	Enc  encoders.Encoder
}

// NewEncodedConn builds an EncodedConn from an already-connected *Conn and
// a registered encoder name ("json", "gob", "protobuf" or "bson").
func NewEncodedConn(c *Conn, encType string) (*EncodedConn, error) {
	if c == nil {
		return nil, ErrConnectionClosed
	}
	enc, err := encoderByName(encType)
	if err != nil {
		return nil, err
	}
	return &EncodedConn{Conn: c, Enc: enc}, nil
}

// Publish encodes v and publishes the result to subject.
func (c *EncodedConn) Publish(subject string, v any) error {
	data, err := c.Enc.Encode(subject, v)
	if err != nil {
		return err
	}
	return c.Conn.Publish(subject, data)
}

// PublishRequest encodes v and publishes it to subject with reply set.
func (c *EncodedConn) PublishRequest(subject, reply string, v any) error {
	data, err := c.Enc.Encode(subject, v)
	if err != nil {
		return err
	}
	return c.Conn.PublishRequest(subject, reply, data)
}

// Request encodes v, sends it as a request, and decodes the first reply
// into vPtrResponse.
func (c *EncodedConn) Request(subject string, v any, vPtrResponse any, timeout time.Duration) error {
	data, err := c.Enc.Encode(subject, v)
	if err != nil {
		return err
	}
	msg, err := c.Conn.Request(subject, data, timeout)
	if err != nil {
		return err
	}
	if vPtrResponse == nil {
		return nil
	}
	return c.Enc.Decode(msg.Subject, msg.Data, vPtrResponse)
}

// Subscribe decodes each message before invoking cb, which must be a
// function shaped one of:
//
//	func(*T)
//	func(subject string, o *T)
//	func(subject, reply string, o *T)
//
// matching the reflective dispatch of the real encoded-connection pattern:
// the wrapped subscription stays a normal byte Subscription underneath, so
// Unsubscribe/AutoUnsubscribe/Pending on the returned *Subscription behave
// exactly as they do for Conn.Subscribe.
func (c *EncodedConn) Subscribe(subject string, cb any) (*Subscription, error) {
	return c.subscribe(subject, "", cb)
}

// QueueSubscribe is Subscribe with a queue group.
func (c *EncodedConn) QueueSubscribe(subject, queue string, cb any) (*Subscription, error) {
	return c.subscribe(subject, queue, cb)
}

func (c *EncodedConn) subscribe(subject, queue string, cb any) (*Subscription, error) {
	wrapper, err := c.argHandler(cb)
	if err != nil {
		return nil, err
	}
	if queue == "" {
		return c.Conn.Subscribe(subject, wrapper)
	}
	return c.Conn.QueueSubscribe(subject, queue, wrapper)
}

// argHandler builds a MsgHandler that decodes each Msg.Data into a fresh
// value of cb's argument type before calling cb with it via reflection.
func (c *EncodedConn) argHandler(cb any) (MsgHandler, error) {
	cbVal := reflect.ValueOf(cb)
	cbType := cbVal.Type()
	if cbType.Kind() != reflect.Func {
		return nil, ErrInvalidCallbackType
	}

	numArgs := cbType.NumIn()
	if numArgs < 1 || numArgs > 3 {
		return nil, ErrInvalidCallbackType
	}
	argType := cbType.In(numArgs - 1)
	if argType.Kind() != reflect.Ptr {
		return nil, ErrInvalidCallbackType
	}
	if numArgs >= 2 && cbType.In(0).Kind() != reflect.String {
		return nil, ErrInvalidCallbackType
	}
	if numArgs == 3 && cbType.In(1).Kind() != reflect.String {
		return nil, ErrInvalidCallbackType
	}
	rawMsg := argType == reflect.TypeOf(&Msg{})

	return func(msg *Msg) {
		if rawMsg && numArgs == 1 {
			cbVal.Call([]reflect.Value{reflect.ValueOf(msg)})
			return
		}
		vPtr := reflect.New(argType.Elem())
		if err := c.Enc.Decode(msg.Subject, msg.Data, vPtr.Interface()); err != nil {
			return
		}

		var args []reflect.Value
		switch numArgs {
		case 1:
			args = []reflect.Value{vPtr}
		case 2:
			args = []reflect.Value{reflect.ValueOf(msg.Subject), vPtr}
		case 3:
			args = []reflect.Value{reflect.ValueOf(msg.Subject), reflect.ValueOf(msg.Reply), vPtr}
		}
		cbVal.Call(args)
	}, nil
}

// Close closes the underlying connection.
func (c *EncodedConn) Close() { c.Conn.Close() }
