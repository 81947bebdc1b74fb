package cereal

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Codec converts values to bytes and back.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// JSON encodes values with encoding/json.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }

// Gob encodes values with encoding/gob. Concrete types stored behind
// interface fields must be registered with gob.Register by the caller.
type Gob struct{}

// Name implements Codec.
func (Gob) Name() string { return "gob" }

// Marshal implements Codec.
func (Gob) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (Gob) Unmarshal(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// TOML encodes values with go-toml. A TOML document is a table, so Marshal
// rejects top-level values that are not structs or maps, or pointers to them.
type TOML struct{}

// Name implements Codec.
func (TOML) Name() string { return "toml" }

// Marshal implements Codec.
func (TOML) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("toml: cannot encode nil %s as a document", rv.Type())
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct, reflect.Map:
		return toml.Marshal(v)
	case reflect.Invalid:
		return nil, errors.New("toml: cannot encode nil as a document")
	default:
		return nil, fmt.Errorf("toml: top-level %s is not a table", rv.Type())
	}
}

// Unmarshal implements Codec.
func (TOML) Unmarshal(data []byte, out any) error { return toml.Unmarshal(data, out) }

// YAML encodes values with yaml.v3.
type YAML struct{}

// Name implements Codec.
func (YAML) Name() string { return "yaml" }

// Marshal implements Codec.
func (YAML) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

// Unmarshal implements Codec.
func (YAML) Unmarshal(data []byte, out any) error { return yaml.Unmarshal(data, out) }

var builtin = map[string]Codec{
	"json": JSON{},
	"gob":  Gob{},
	"toml": TOML{},
	"yaml": YAML{},
	"yml":  YAML{},
}

// Lookup returns the built-in codec with the given name.
func Lookup(name string) (Codec, error) {
	c, ok := builtin[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists the built-in codec names.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		if name == "yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
