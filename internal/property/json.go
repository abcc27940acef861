package property

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSONValue returns the value of a property as a JSON-friendly Go value:
// bool, int, string, or nil for None.
func (p Property) JSONValue() any {
	switch p.Kind {
	case Boolean:
		return p.Value != 0
	case Integer, Enum:
		return p.Value
	case String:
		return p.ValueStr
	}
	return nil
}

// Entry is one element of a "properties" configuration array. The
// property is named by either field.
type Entry struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value"`
}

// Key is the property name the entry refers to.
func (e Entry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// Detail is the full description of a property served to clients. The
// property name is written as "id".
type Detail struct {
	Name    string   `json:"id"`
	Kind    string   `json:"kind"`
	Value   any      `json:"value,omitempty"`
	Min     *int     `json:"min,omitempty"`
	Max     *int     `json:"max,omitempty"`
	Step    *int     `json:"step,omitempty"`
	Default *int     `json:"default,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// Entries returns id/value pairs for every property.
func (c *Container) Entries() ([]Entry, error) {
	props, err := c.All()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(props))
	for _, p := range props {
		raw, err := json.Marshal(p.JSONValue())
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{ID: p.Name, Value: raw})
	}
	return out, nil
}

// Details describes every property including ranges and choices.
func (c *Container) Details() ([]Detail, error) {
	idx, err := c.Enumerate()
	if err != nil {
		return nil, err
	}
	out := make([]Detail, 0, len(idx))
	for _, i := range idx {
		p, err := c.Get(i)
		if err != nil {
			return nil, err
		}
		d := Detail{Name: p.Name, Kind: p.Kind.String(), Value: p.JSONValue()}
		switch p.Kind {
		case Boolean:
			d.Default = intPtr(p.Default)
		case Integer:
			d.Min, d.Max = intPtr(p.Min), intPtr(p.Max)
			d.Step, d.Default = intPtr(p.Step), intPtr(p.Default)
		case Enum:
			d.Min, d.Max = intPtr(p.Min), intPtr(p.Max)
			d.Default = intPtr(p.Default)
			d.Choices = p.Choices
		}
		out = append(out, d)
	}
	return out, nil
}

func intPtr(v int) *int { return &v }

// SetJSON applies one JSON value to the named property. Strings go to
// string properties, booleans and integers to numeric ones.
func (c *Container) SetJSON(name string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("property %q: %w", name, err)
	}
	i := c.Index(name)
	switch val := v.(type) {
	case string:
		return wrapName(name, c.SetStringValue(i, val))
	case bool:
		n := 0
		if val {
			n = 1
		}
		return wrapName(name, c.SetValue(i, n))
	case float64:
		if val != float64(int(val)) {
			return fmt.Errorf("property %q: %v is not an integer", name, val)
		}
		return wrapName(name, c.SetValue(i, int(val)))
	}
	return fmt.Errorf("property %q: unsupported value %s", name, string(raw))
}

func wrapName(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("property %q: %w", name, err)
}

// SetEntries applies a batch. A failing entry is logged and skipped; the
// returned error joins every failure.
func (c *Container) SetEntries(entries []Entry) error {
	var errs []error
	for _, e := range entries {
		name := e.Key()
		if name == "" {
			err := errors.New("property entry without name")
			c.logger.Warn("Skipping property", "error", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Debug("Setting property from config", "name", name, "value", string(e.Value))
		if err := c.SetJSON(name, e.Value); err != nil {
			c.logger.Warn("Could not set property", "name", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
