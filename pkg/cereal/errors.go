package cereal

import "fmt"

// SerializationError reports a value that could not be encoded.
type SerializationError struct {
	Codec string
	Type  string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s with %s: %v", e.Type, e.Codec, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// DeserializationError reports bytes that could not be decoded into a value.
type DeserializationError struct {
	Codec string
	Type  string
	Err   error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %s with %s: %v", e.Type, e.Codec, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}
