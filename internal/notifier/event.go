package notifier

import (
	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
	"github.com/babelcloud/gbox/packages/camserver/internal/property"
)

// Kind is an event type. Listeners subscribe with a mask of kinds.
type Kind uint32

const (
	SourceCreated Kind = 1 << iota
	SourceDestroyed
	SourceConnected
	SourceDisconnected
	SourceVideoModesUpdated
	SourceVideoModeChanged
	SourcePropertyCreated
	SourcePropertyValueUpdated
	SourcePropertyChoicesUpdated
	SinkSourceChanged
	SinkCreated
	SinkDestroyed
	SinkEnabled
	SinkDisabled
	SinkPropertyCreated
	SinkPropertyValueUpdated
	SinkPropertyChoicesUpdated
	StreamOpened
	StreamClosed
)

const (
	SourceEvents = SourceCreated | SourceDestroyed | SourceConnected | SourceDisconnected |
		SourceVideoModesUpdated | SourceVideoModeChanged | SourcePropertyCreated |
		SourcePropertyValueUpdated | SourcePropertyChoicesUpdated
	SinkEvents = SinkSourceChanged | SinkCreated | SinkDestroyed | SinkEnabled | SinkDisabled |
		SinkPropertyCreated | SinkPropertyValueUpdated | SinkPropertyChoicesUpdated
	StreamEvents = StreamOpened | StreamClosed
	All          = ^Kind(0)
)

// coalesced kinds replace an already queued event for the same target
const coalesced = SourceVideoModeChanged | SourcePropertyValueUpdated | SinkPropertyValueUpdated

var kindNames = map[Kind]string{
	SourceCreated:                "source_created",
	SourceDestroyed:              "source_destroyed",
	SourceConnected:              "source_connected",
	SourceDisconnected:           "source_disconnected",
	SourceVideoModesUpdated:      "source_video_modes_updated",
	SourceVideoModeChanged:       "source_video_mode_changed",
	SourcePropertyCreated:        "source_property_created",
	SourcePropertyValueUpdated:   "source_property_value_updated",
	SourcePropertyChoicesUpdated: "source_property_choices_updated",
	SinkSourceChanged:            "sink_source_changed",
	SinkCreated:                  "sink_created",
	SinkDestroyed:                "sink_destroyed",
	SinkEnabled:                  "sink_enabled",
	SinkDisabled:                 "sink_disabled",
	SinkPropertyCreated:          "sink_property_created",
	SinkPropertyValueUpdated:     "sink_property_value_updated",
	SinkPropertyChoicesUpdated:   "sink_property_choices_updated",
	StreamOpened:                 "stream_opened",
	StreamClosed:                 "stream_closed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event describes one change. Source and Sink hold node handles; which
// other fields are meaningful depends on Kind.
type Event struct {
	Kind         Kind
	Source       uint64
	Sink         uint64
	Name         string
	Mode         frame.VideoMode
	Property     int
	PropertyKind property.Kind
	Value        int
	ValueStr     string
	Stream       string
}

func (e Event) sameTarget(o Event) bool {
	return e.Kind == o.Kind && e.Source == o.Source && e.Sink == o.Sink && e.Property == o.Property
}
