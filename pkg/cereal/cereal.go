package cereal

import (
	"errors"
	"fmt"
)

// Transferable is implemented by values that own resources which cannot be
// encoded field by field. DetachForTransfer returns the state needed to
// rebuild the value; Reattach restores it on a fresh zero value, reopening
// whatever the state refers to.
type Transferable interface {
	DetachForTransfer() ([]byte, error)
	Reattach(state []byte) error
}

// Serialize encodes v with c. Transferable values encode themselves.
// Failures, including codec panics, are returned as *SerializationError.
func Serialize(c Codec, v any) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &SerializationError{Codec: codecName(c), Type: typeName(v), Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if c == nil {
		return nil, &SerializationError{Codec: "none", Type: typeName(v), Err: errors.New("no codec")}
	}

	if t, ok := v.(Transferable); ok {
		data, err = t.DetachForTransfer()
	} else {
		data, err = c.Marshal(v)
	}
	if err != nil {
		return nil, &SerializationError{Codec: c.Name(), Type: typeName(v), Err: err}
	}
	return data, nil
}

// Deserialize decodes data into out, which must be a pointer.
// Transferable targets reattach from data directly.
// Failures, including codec panics, are returned as *DeserializationError.
func Deserialize(c Codec, data []byte, out any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DeserializationError{Codec: codecName(c), Type: typeName(out), Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if c == nil {
		return &DeserializationError{Codec: "none", Type: typeName(out), Err: errors.New("no codec")}
	}

	if t, ok := out.(Transferable); ok {
		err = t.Reattach(data)
	} else {
		err = c.Unmarshal(data, out)
	}
	if err != nil {
		return &DeserializationError{Codec: c.Name(), Type: typeName(out), Err: err}
	}
	return nil
}

func codecName(c Codec) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
