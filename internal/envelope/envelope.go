// Package envelope implements the versioned binary wrapper around a
// collaborative document's encoded CRDT state.
//
// Layout (all integers are minimally encoded protobuf varints):
//
//	format_version | len(state) | state | len(update) | update
//
// The leading version lets old decoders reject future layouts with
// ErrUnsupportedVersion instead of misparsing them.
package envelope

import (
	"bytes"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// FormatVersion is the only layout this package reads and writes.
	FormatVersion = 1

	// ContentType is used when an envelope is stored as an object.
	ContentType = "application/vnd.collabd.envelope"
)

// Envelope is the decoded form of an encoded collab.
type Envelope struct {
	Version uint64 `json:"version"`
	State   []byte `json:"state"`
	Update  []byte `json:"update"`
}

// New returns a current-version envelope holding copies of state and update.
func New(state, update []byte) Envelope {
	return Envelope{
		Version: FormatVersion,
		State:   bytes.Clone(state),
		Update:  bytes.Clone(update),
	}
}

// Equal reports whether two envelopes carry the same version and bytes.
// A nil and an empty slice are equal.
func (e Envelope) Equal(other Envelope) bool {
	return e.Version == other.Version &&
		bytes.Equal(e.State, other.State) &&
		bytes.Equal(e.Update, other.Update)
}

// Encode serializes the envelope. A zero Version is written as FormatVersion.
func Encode(e Envelope) []byte {
	version := e.Version
	if version == 0 {
		version = FormatVersion
	}
	size := protowire.SizeVarint(version) +
		protowire.SizeBytes(len(e.State)) +
		protowire.SizeBytes(len(e.Update))

	buf := make([]byte, 0, size)
	buf = protowire.AppendVarint(buf, version)
	buf = protowire.AppendBytes(buf, e.State)
	buf = protowire.AppendBytes(buf, e.Update)
	return buf
}

// Decode parses data into an envelope. The returned slices are copies.
func Decode(data []byte) (Envelope, error) {
	version, state, update, err := parse(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Version: version,
		State:   bytes.Clone(state),
		Update:  bytes.Clone(update),
	}, nil
}

// Validate checks that data is a well-formed envelope without copying it.
func Validate(data []byte) error {
	_, _, _, err := parse(data)
	return err
}

func parse(data []byte) (version uint64, state, update []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, newDecodeError(KindTruncated, "empty input")
	}

	version, n, err := consumeVarint(data, "format version")
	if err != nil {
		return 0, nil, nil, err
	}
	if version != FormatVersion {
		return 0, nil, nil, &DecodeError{Kind: KindUnsupportedVersion, Version: version}
	}
	rest := data[n:]

	state, n, err = consumeBytes(rest, "state")
	if err != nil {
		return 0, nil, nil, err
	}
	rest = rest[n:]

	update, n, err = consumeBytes(rest, "update")
	if err != nil {
		return 0, nil, nil, err
	}
	rest = rest[n:]

	if len(rest) != 0 {
		return 0, nil, nil, newDecodeError(KindMalformed, "trailing bytes after update")
	}
	return version, state, update, nil
}

func consumeVarint(b []byte, field string) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return 0, 0, newDecodeError(KindTruncated, field)
		}
		return 0, 0, newDecodeError(KindMalformed, field+": "+protowire.ParseError(n).Error())
	}
	if protowire.SizeVarint(v) != n {
		return 0, 0, newDecodeError(KindMalformed, field+": non-minimal varint")
	}
	return v, n, nil
}

func consumeBytes(b []byte, field string) ([]byte, int, error) {
	if len(b) == 0 {
		return nil, 0, newDecodeError(KindTruncated, field+" length")
	}
	length, n, err := consumeVarint(b, field+" length")
	if err != nil {
		return nil, 0, err
	}
	if length > uint64(len(b)-n) {
		return nil, 0, newDecodeError(KindTruncated, field)
	}
	end := n + int(length)
	return b[n:end], end, nil
}
