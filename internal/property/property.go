// Package property implements the named, typed settings that sources and
// sinks expose (brightness, resolution, stream quality and so on).
package property

import (
	"fmt"
	"strings"
)

// Kind is a property type. The values form a bitmask so callers can test
// for groups of kinds.
type Kind int

const (
	None    Kind = 0
	Boolean Kind = 1
	Integer Kind = 2
	String  Kind = 4
	Enum    Kind = 8
)

// numeric kinds are read and written through Value/SetValue
const numeric = Boolean | Integer | Enum

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case String:
		return "string"
	case Enum:
		return "enum"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the names produced by String.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(s) {
	case "none":
		return None, true
	case "boolean", "bool":
		return Boolean, true
	case "integer", "int":
		return Integer, true
	case "string":
		return String, true
	case "enum":
		return Enum, true
	}
	return None, false
}

// Property is one named setting. Containers hand out copies; the stored
// property is only changed through its Container.
type Property struct {
	Name     string
	Kind     Kind
	Min      int
	Max      int
	Step     int
	Default  int
	Value    int
	ValueStr string
	Choices  []string

	valueSet bool
}

// IsSet reports whether a value has been stored since creation.
func (p *Property) IsSet() bool { return p.valueSet }

func (p *Property) setValue(v int) {
	if p.Kind == Boolean {
		if v != 0 {
			v = 1
		}
	}
	p.Value = v
	p.valueSet = true
}

func (p *Property) setString(s string) {
	p.ValueStr = s
	p.valueSet = true
}

func (p Property) clone() Property {
	if p.Choices != nil {
		p.Choices = append([]string(nil), p.Choices...)
	}
	return p
}
