package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated          = errors.New("envelope truncated")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMalformed          = errors.New("malformed envelope")
)

// Kind classifies a decode failure.
type Kind int

const (
	KindTruncated Kind = iota + 1
	KindUnsupportedVersion
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError reports why an envelope could not be parsed.
// It matches ErrTruncated, ErrUnsupportedVersion or ErrMalformed with errors.Is.
type DecodeError struct {
	Kind    Kind
	Detail  string
	Version uint64
}

func newDecodeError(kind Kind, detail string) *DecodeError {
	return &DecodeError{Kind: kind, Detail: detail}
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case KindUnsupportedVersion:
		return fmt.Sprintf("%v: %d", ErrUnsupportedVersion, e.Version)
	default:
		if e.Detail == "" {
			return e.sentinel().Error()
		}
		return fmt.Sprintf("%v: %s", e.sentinel(), e.Detail)
	}
}

func (e *DecodeError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *DecodeError) sentinel() error {
	switch e.Kind {
	case KindTruncated:
		return ErrTruncated
	case KindUnsupportedVersion:
		return ErrUnsupportedVersion
	default:
		return ErrMalformed
	}
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
