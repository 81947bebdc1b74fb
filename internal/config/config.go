package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ceetaro/Suitkaise-sub005/internal/logging"
)

// EnvPrefix is prepended to every env tag when reading overrides.
const EnvPrefix = "SUITKAISE_"

var durationType = reflect.TypeOf(time.Duration(0))

// option is one settable field of an options struct.
type option struct {
	name  string
	flag  string
	toml  string
	env   string
	value reflect.Value
}

func options(v reflect.Value) []option {
	t := v.Type()
	out := make([]option, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		out = append(out, option{
			name:  f.Name,
			flag:  fieldNameToFlag(f.Name),
			toml:  f.Tag.Get("toml"),
			env:   f.Tag.Get("env"),
			value: v.Field(i),
		})
	}
	return out
}

// LoadConfig fills the fields of opts, a pointer to a struct, from the TOML
// file named by its Config field and from SUITKAISE_* environment variables.
// Precedence is CLI flag > env > file: fields whose flag was set on cmd are
// left alone. A missing file is not an error. Values that do not fit their
// field are reported together after every other field was applied.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	fields := options(v)

	setOnCLI := map[string]bool{}
	if cmd != nil {
		cmd.Flags().Visit(func(f *pflag.Flag) { setOnCLI[f.Name] = true })
	}

	var file map[string]any
	for _, o := range fields {
		if o.name != "Config" || o.value.Kind() != reflect.String || o.value.String() == "" {
			continue
		}
		data, err := os.ReadFile(o.value.String())
		if err != nil {
			break
		}
		if err := toml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse TOML config: %w", err)
		}
	}

	var errs []error
	for _, o := range fields {
		if setOnCLI[o.flag] {
			continue
		}
		if o.toml != "" && file != nil {
			if raw := getNestedValue(file, o.toml); raw != nil {
				if err := setFieldValue(o.value, raw); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", o.toml, err))
				}
			}
		}
		if o.env != "" {
			if raw, ok := os.LookupEnv(EnvPrefix + o.env); ok && raw != "" {
				if err := setFieldValueFromString(o.value, raw); err != nil {
					errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, o.env, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// fieldNameToFlag converts a field name to the kebab-case flag name, keeping
// acronyms together: "LoggingLevel" -> "logging-level",
// "CORSOrigin" -> "cors-origin".
func fieldNameToFlag(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			endOfAcronym := i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1])
			if prevLower || endOfAcronym {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// getNestedValue looks up a dotted path such as "server.port".
func getNestedValue(data map[string]any, path string) any {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return data[head]
	}
	child, ok := data[head].(map[string]any)
	if !ok {
		return nil
	}
	return getNestedValue(child, rest)
}

var errMismatch = errors.New("value does not match field type")

// setFieldValue assigns a decoded TOML value. Durations accept a duration
// string or a whole number of seconds. On error the field is unchanged.
func setFieldValue(field reflect.Value, value any) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		switch d := value.(type) {
		case string:
			parsed, err := time.ParseDuration(d)
			if err != nil {
				return err
			}
			field.SetInt(int64(parsed))
		case int64:
			field.SetInt(d * int64(time.Second))
		default:
			return errMismatch
		}
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return errMismatch
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := value.(bool)
		if !ok {
			return errMismatch
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, ok := value.(int64)
		if !ok {
			return errMismatch
		}
		field.SetInt(i)
	case reflect.Float64:
		switch n := value.(type) {
		case float64:
			field.SetFloat(n)
		case int64:
			field.SetFloat(float64(n))
		default:
			return errMismatch
		}
	case reflect.Slice:
		arr, ok := value.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return errMismatch
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				return errMismatch
			}
			out = append(out, s)
		}
		field.Set(reflect.ValueOf(out))
	default:
		return errMismatch
	}
	return nil
}

// setFieldValueFromString parses an env value into field. String slices are
// comma-separated. On error the field is unchanged.
func setFieldValueFromString(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errMismatch
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return errMismatch
	}
	return nil
}

// LoadLoggingConfig reads the [logging] table of a TOML config file: level
// and format, with every other key taken as a per-module level. A missing or
// unreadable file yields the defaults.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}
	if configPath == "" {
		return cfg
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}
	for key, value := range raw.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
