package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
)

// SourceConfig is the JSON shape accepted by SetConfigJSON and produced by
// ConfigJSON.
type SourceConfig struct {
	ID                 string           `json:"id,omitempty"`
	ConnectionStrategy string           `json:"connectionStrategy,omitempty"`
	Mode               *ModeConfig      `json:"mode,omitempty"`
	Brightness         *int             `json:"brightness,omitempty"`
	WhiteBalance       any              `json:"white balance,omitempty"`
	Exposure           any              `json:"exposure,omitempty"`
	Properties         []property.Entry `json:"properties,omitempty"`
}

// ModeConfig is the "mode" object; absent fields keep the current value.
type ModeConfig struct {
	PixelFormat string `json:"pixelFormat,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FPS         int    `json:"fps,omitempty"`
}

func (m ModeConfig) videoMode() (frame.VideoMode, error) {
	vm := frame.VideoMode{Width: m.Width, Height: m.Height, FPS: m.FPS}
	if m.PixelFormat != "" {
		pf, ok := frame.ParsePixelFormat(m.PixelFormat)
		if !ok {
			return vm, fmt.Errorf("unknown pixel format %q", m.PixelFormat)
		}
		vm.PixelFormat = pf
	}
	if vm.Width < 0 || vm.Height < 0 || vm.FPS < 0 {
		return vm, fmt.Errorf("negative mode value in %+v", m)
	}
	return vm, nil
}

// SetConfigJSON applies a configuration object. Each field is applied on
// its own: a field that fails to parse or apply is logged and skipped, and
// the returned error joins every such failure. Only a document that is not
// a JSON object fails as a whole.
func (s *Source) SetConfigJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("source %s config: %w", s.name, err)
	}

	var errs []error
	fail := func(field string, err error) {
		s.logger.Warn("Invalid config field", "field", field, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", field, err))
	}

	if raw, ok := fields["connectionStrategy"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			fail("connectionStrategy", err)
		} else if cs, err := ParseConnectionStrategy(v); err != nil {
			fail("connectionStrategy", err)
		} else {
			s.SetConnectionStrategy(cs)
		}
	}

	if raw, ok := fields["mode"]; ok {
		var mc ModeConfig
		if err := json.Unmarshal(raw, &mc); err != nil {
			fail("mode", err)
		} else if mode, err := mc.videoMode(); err != nil {
			fail("mode", err)
		} else if err := s.updateMode(func(m *frame.VideoMode) { *m = m.Merge(mode) }); err != nil {
			fail("mode", err)
		}
	}

	if raw, ok := fields["brightness"]; ok {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			fail("brightness", err)
		} else if err := s.SetBrightness(v); err != nil {
			fail("brightness", err)
		}
	}
	if raw, ok := fields["white balance"]; ok {
		if err := applyAuto(raw, s.SetWhiteBalanceAuto, s.SetWhiteBalanceHoldCurrent, s.SetWhiteBalanceManual); err != nil {
			fail("white balance", err)
		}
	}
	if raw, ok := fields["exposure"]; ok {
		if err := applyAuto(raw, s.SetExposureAuto, s.SetExposureHoldCurrent, s.SetExposureManual); err != nil {
			fail("exposure", err)
		}
	}

	if raw, ok := fields["properties"]; ok {
		var entries []property.Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			fail("properties", err)
		} else if err := s.props.SetEntries(entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyAuto handles the "auto" / "hold" / manual-number convention of
// white balance and exposure.
func applyAuto(raw json.RawMessage, auto, hold func() error, manual func(int) error) error {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		switch str {
		case "auto":
			return auto()
		case "hold":
			return hold()
		}
		return fmt.Errorf("unknown setting %q", str)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	return manual(n)
}

// Config snapshots the source's settings.
func (s *Source) Config() (SourceConfig, error) {
	m := s.VideoMode()
	cfg := SourceConfig{
		ID:                 s.name,
		ConnectionStrategy: s.ConnectionStrategy().String(),
		Mode:               &ModeConfig{Width: m.Width, Height: m.Height, FPS: m.FPS},
	}
	if m.PixelFormat != frame.Unknown {
		cfg.Mode.PixelFormat = m.PixelFormat.String()
	}
	if b, err := s.Brightness(); err == nil {
		cfg.Brightness = &b
	}
	entries, err := s.props.Entries()
	if err != nil {
		return cfg, err
	}
	cfg.Properties = entries
	return cfg, nil
}

// ConfigJSON is Config encoded as JSON.
func (s *Source) ConfigJSON() ([]byte, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}
