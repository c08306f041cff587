package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage defers decoding of a frame's data until its event kind is known.
type RawMessage = jsoniter.RawMessage

// Number is what a decoder with UseNumber yields for JSON numbers.
type Number = stdjson.Number

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// Valid is a shorthand for JSON.Valid
	Valid = JSON.Valid

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)
