// Package status defines the status codes returned by node and property
// operations. A Code is an error, so callers can compare with errors.Is.
package status

import "fmt"

// Code is a numeric operation status. OK is never returned as an error.
type Code int

const (
	OK                   Code = 0
	PropertyWriteFailed  Code = 2000
	InvalidHandle        Code = -2000
	WrongHandleSubtype   Code = -2001
	InvalidProperty      Code = -2002
	WrongPropertyType    Code = -2003
	ReadFailed           Code = -2004
	SourceIsDisconnected Code = -2005
	EmptyValue           Code = -2006
	BadURL               Code = -2007
	UnsupportedMode      Code = -2009
)

// Sentinel errors for the common codes.
var (
	ErrInvalidHandle        error = InvalidHandle
	ErrWrongHandleSubtype   error = WrongHandleSubtype
	ErrInvalidProperty      error = InvalidProperty
	ErrWrongPropertyType    error = WrongPropertyType
	ErrReadFailed           error = ReadFailed
	ErrSourceIsDisconnected error = SourceIsDisconnected
	ErrUnsupportedMode      error = UnsupportedMode
)

var names = map[Code]string{
	OK:                   "ok",
	PropertyWriteFailed:  "property write failed",
	InvalidHandle:        "invalid handle",
	WrongHandleSubtype:   "wrong handle subtype",
	InvalidProperty:      "invalid property",
	WrongPropertyType:    "wrong property type",
	ReadFailed:           "read failed",
	SourceIsDisconnected: "source is disconnected",
	EmptyValue:           "empty value",
	BadURL:               "bad url",
	UnsupportedMode:      "unsupported mode",
}

func (c Code) Error() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("status %d", int(c))
}

// Of extracts the Code carried by err. Nil maps to OK and errors that do not
// wrap a Code map to ReadFailed.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	for e := err; e != nil; {
		if c, ok := e.(Code); ok {
			return c
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ReadFailed
}
