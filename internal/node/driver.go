package node

import (
	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
)

// Driver is the capture backend of a Source. Start is called when the
// source becomes wanted and Stop when it no longer is; calls never
// overlap. Start must not block on capture, and the capture goroutine must
// not call EnableSink, DisableSink or SetConnectionStrategy.
type Driver interface {
	Start(s *Source) error
	Stop() error
}

// PropertyCacher fills a source's properties on first access.
type PropertyCacher interface {
	CacheProperties(props *property.Container) error
}

// PropertyApplier applies validated property writes to the device.
type PropertyApplier interface {
	ApplyProperty(name string, isString bool, value int, str string) error
}

// ModeSetter validates and applies video mode changes.
type ModeSetter interface {
	SetVideoMode(m frame.VideoMode) error
}

// ModeLister enumerates the modes a driver supports.
type ModeLister interface {
	VideoModes() []frame.VideoMode
}

// CameraControls is implemented by drivers of physical cameras.
type CameraControls interface {
	SetBrightness(v int) error
	Brightness() (int, error)
	SetWhiteBalanceAuto() error
	SetWhiteBalanceHoldCurrent() error
	SetWhiteBalanceManual(v int) error
	SetExposureAuto() error
	SetExposureHoldCurrent() error
	SetExposureManual(v int) error
}
