// Package cereal serializes values that cross a process boundary.
//
// A Codec turns a value into bytes and back. Codecs are plain values chosen
// by the caller per use site; nothing in this package keeps a process-wide
// default that can be swapped at runtime.
//
//	data, err := cereal.Serialize(cereal.JSON{}, result)
//	if err != nil {
//		var serr *cereal.SerializationError
//		errors.As(err, &serr) // structured failure
//	}
//
// Values holding live resources (locks, open handles, connections) implement
// Transferable. Serialize and Deserialize hand such values their own bytes
// instead of reflecting over their fields, so the type decides what survives
// the trip and how it reconnects on the other side.
package cereal
