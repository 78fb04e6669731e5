package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSettingValidation means a setting declaration was malformed. Fatal at
// registration time.
var ErrSettingValidation = errors.New("job: invalid setting declaration")

type Datatype string

const (
	String  Datatype = "string"
	Float   Datatype = "float"
	Integer Datatype = "integer"
	Boolean Datatype = "boolean"
	JSON    Datatype = "json"
)

var datatypes = map[Datatype]bool{
	String:  true,
	Float:   true,
	Integer: true,
	Boolean: true,
	JSON:    true,
}

// Setting describes one attribute published to the bus. If Settable, remote
// writes to <topic>/set are dispatched to Set when present, otherwise the
// decoded value is assigned directly.
type Setting struct {
	Name     string
	Datatype Datatype
	Settable bool
	Unit     string
	Persist  bool
	Set      func(value any) error
}

func (s Setting) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrSettingValidation)
	}
	for _, part := range strings.Split(s.Name, "_") {
		if part == "" || !alnum(part) {
			return fmt.Errorf("%w: setting %q must be alphanumeric words separated by underscores", ErrSettingValidation, s.Name)
		}
	}
	if !datatypes[s.Datatype] {
		return fmt.Errorf("%w: setting %q has unknown datatype %q", ErrSettingValidation, s.Name, s.Datatype)
	}
	return nil
}

func alnum(s string) bool {
	for _, r := range s {
		ok := ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// decodeValue parses a wire payload according to the declared datatype.
func decodeValue(payload []byte, dt Datatype) (any, error) {
	s := string(payload)
	switch dt {
	case String:
		return s, nil
	case Float:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case Integer:
		return strconv.Atoi(strings.TrimSpace(s))
	case Boolean:
		return strconv.ParseBool(strings.TrimSpace(s))
	case JSON:
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("undecodable datatype %q", dt)
	}
}

// formatWithUnit renders a value for logs, appending the unit when present.
// Percent hugs the number, other units get a space.
func formatWithUnit(v any, unit string) string {
	switch {
	case unit == "":
		return fmt.Sprintf("%v", v)
	case unit == "%":
		return fmt.Sprintf("%v%%", v)
	default:
		return fmt.Sprintf("%v %s", v, unit)
	}
}
