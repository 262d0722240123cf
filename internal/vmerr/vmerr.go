// Package vmerr holds the error taxonomy shared by the disassembler,
// the address translation layers and the scatter-gather engine.
package vmerr

import (
	"errors"
)

var (
	// ErrAddressTranslation is returned when a guest page cannot be mapped.
	ErrAddressTranslation = errors.New("address translation failed")

	// ErrPageNotPresent is the usual cause of ErrAddressTranslation.
	ErrPageNotPresent = errors.New("page not present")

	// ErrOutOfBounds is a segment limit or buffer limit violation.
	ErrOutOfBounds = errors.New("out of selector bounds")

	// ErrSelectorNotFound is returned for absent or invalid selectors.
	ErrSelectorNotFound = errors.New("selector not found")

	// ErrDecodeFailure means the decoder found no valid instruction.
	ErrDecodeFailure = errors.New("invalid instruction")

	// ErrInvalidArgument is a contract violation by the caller.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSymbolNotFound is returned by symbol resolvers.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Status is the status-code view of an error.
type Status int

const (
	Success Status = iota
	AddressTranslation
	OutOfBounds
	SelectorNotFound
	DecodeFailure
	InvalidArgument
	Unknown
)

var statusNames = map[Status]string{
	Success:            "success",
	AddressTranslation: "address translation error",
	OutOfBounds:        "out of bounds",
	SelectorNotFound:   "selector not found",
	DecodeFailure:      "decode failure",
	InvalidArgument:    "invalid argument",
	Unknown:            "unknown error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[Unknown]
}

// StatusOf maps err onto a Status. A nil error is Success.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrAddressTranslation), errors.Is(err, ErrPageNotPresent):
		return AddressTranslation
	case errors.Is(err, ErrOutOfBounds):
		return OutOfBounds
	case errors.Is(err, ErrSelectorNotFound):
		return SelectorNotFound
	case errors.Is(err, ErrDecodeFailure):
		return DecodeFailure
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	}
	return Unknown
}
