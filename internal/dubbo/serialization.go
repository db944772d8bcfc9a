package dubbo

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// SerializationType is the 5 bit serialization id carried in the flag byte.
type SerializationType uint8

const (
	SerializationHessian2      SerializationType = 2
	SerializationJava          SerializationType = 3
	SerializationCompactedJava SerializationType = 4
	SerializationFastJSON      SerializationType = 6
	SerializationNativeJava    SerializationType = 7
	SerializationKryo          SerializationType = 8
	SerializationFST           SerializationType = 9
	SerializationProtostuff    SerializationType = 12
	SerializationCBOR          SerializationType = 31
)

var serializationNames = map[SerializationType]string{
	SerializationHessian2:      "hessian2",
	SerializationJava:          "java",
	SerializationCompactedJava: "compactedjava",
	SerializationFastJSON:      "fastjson",
	SerializationNativeJava:    "nativejava",
	SerializationKryo:          "kryo",
	SerializationFST:           "fst",
	SerializationProtostuff:    "protostuff",
	SerializationCBOR:          "cbor",
}

func (t SerializationType) String() string {
	if name, ok := serializationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("serialization(%d)", uint8(t))
}

// Known reports whether t is a registered serialization id.
func (t SerializationType) Known() bool {
	_, ok := serializationNames[t]
	return ok
}

// ParseSerializationType maps a configuration name to its id.
func ParseSerializationType(name string) (SerializationType, error) {
	for t, n := range serializationNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedSerialization, name)
}

// RPCInvocation is the payload of a request.
type RPCInvocation struct {
	Service     string            `cbor:"service"`
	Method      string            `cbor:"method"`
	Version     string            `cbor:"version,omitempty"`
	Args        []interface{}     `cbor:"args,omitempty"`
	Attachments map[string]string `cbor:"attachments,omitempty"`
}

// RPCResponseType tags the content of a response payload.
type RPCResponseType uint8

const (
	ResponseWithException RPCResponseType = iota
	ResponseWithValue
	ResponseWithNullValue
)

// RPCResult is the payload of a response.
type RPCResult struct {
	Type        RPCResponseType   `cbor:"type"`
	Value       interface{}       `cbor:"value,omitempty"`
	Exception   string            `cbor:"exception,omitempty"`
	Attachments map[string]string `cbor:"attachments,omitempty"`
}

// HasException reports whether the result carries a business exception.
func (r *RPCResult) HasException() bool {
	return r.Type == ResponseWithException
}

// Deserializer converts payload bytes to and from RPC values.
type Deserializer interface {
	Name() string
	Type() SerializationType
	// DeserializeRPCInvocation decodes a request body and stores it in md.
	DeserializeRPCInvocation(body []byte, md *MessageMetadata) error
	DeserializeRPCResult(body []byte) (*RPCResult, error)
	SerializeRPCInvocation(inv *RPCInvocation) ([]byte, error)
	SerializeRPCResult(result *RPCResult) ([]byte, error)
}

// CBORDeserializer implements Deserializer with CBOR payloads.
type CBORDeserializer struct {
	dec cbor.DecMode
}

// NewCBORDeserializer creates a deserializer decoding untyped maps as map[string]interface{}.
func NewCBORDeserializer() *CBORDeserializer {
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("dubbo: invalid cbor decode options: %v", err))
	}
	return &CBORDeserializer{dec: dec}
}

func (d *CBORDeserializer) Name() string { return "cbor" }

func (d *CBORDeserializer) Type() SerializationType { return SerializationCBOR }

func (d *CBORDeserializer) DeserializeRPCInvocation(body []byte, md *MessageMetadata) error {
	inv := &RPCInvocation{}
	if err := d.dec.Unmarshal(body, inv); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if inv.Service == "" || inv.Method == "" {
		return fmt.Errorf("%w: invocation without service or method", ErrInvalidPayload)
	}
	md.SetInvocation(inv)
	return nil
}

func (d *CBORDeserializer) DeserializeRPCResult(body []byte) (*RPCResult, error) {
	result := &RPCResult{}
	if err := d.dec.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return result, nil
}

func (d *CBORDeserializer) SerializeRPCInvocation(inv *RPCInvocation) ([]byte, error) {
	return cbor.Marshal(inv)
}

func (d *CBORDeserializer) SerializeRPCResult(result *RPCResult) ([]byte, error) {
	return cbor.Marshal(result)
}
