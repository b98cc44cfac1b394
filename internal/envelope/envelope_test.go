package envelope

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randomBytes := func(n int) []byte {
		b := make([]byte, n)
		rng.Read(b)
		return b
	}

	tests := []struct {
		name string
		env  Envelope
	}{
		{"empty state and update", New(nil, nil)},
		{"state only", New([]byte{0, 1, 2, 3, 4, 5, 6}, nil)},
		{"state and update", New([]byte{0, 1, 2, 3, 4, 5, 6}, []byte{7, 8, 9, 10})},
		{"127 byte state", New(randomBytes(127), randomBytes(1))},
		{"128 byte state", New(randomBytes(128), randomBytes(300))},
		{"one mebibyte state", New(randomBytes(1024*1024), randomBytes(4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := Encode(tt.env)

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !decoded.Equal(tt.env) {
				t.Fatalf("decoded envelope differs: got version=%d state=%d update=%d",
					decoded.Version, len(decoded.State), len(decoded.Update))
			}

			again := Encode(decoded)
			if !bytes.Equal(again, data) {
				t.Fatal("Encode(Decode(x)) != x")
			}
		})
	}
}

func TestEncodeZeroVersionWritesCurrent(t *testing.T) {
	data := Encode(Envelope{State: []byte("s")})
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Version != FormatVersion {
		t.Errorf("version = %d, want %d", decoded.Version, FormatVersion)
	}
}

func TestDecodeCopiesInput(t *testing.T) {
	data := Encode(New([]byte("state"), []byte("update")))
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i := range data {
		data[i] = 0xff
	}
	if string(decoded.State) != "state" || string(decoded.Update) != "update" {
		t.Error("decoded envelope aliases the input buffer")
	}
}

func TestDecodeErrors(t *testing.T) {
	valid := Encode(New([]byte{1, 2, 3}, []byte{4, 5}))

	futureVersion := protowire.AppendVarint(nil, 2)
	futureVersion = protowire.AppendBytes(futureVersion, []byte{1})
	futureVersion = protowire.AppendBytes(futureVersion, nil)

	nonMinimal := []byte{0x81, 0x00, 0x00, 0x00}

	tests := []struct {
		name string
		data []byte
		want error
		kind Kind
	}{
		{"empty", nil, ErrTruncated, KindTruncated},
		{"version only", []byte{FormatVersion}, ErrTruncated, KindTruncated},
		{"cut inside state", valid[:3], ErrTruncated, KindTruncated},
		{"missing update", valid[:5], ErrTruncated, KindTruncated},
		{"cut inside update", valid[:len(valid)-1], ErrTruncated, KindTruncated},
		{"unterminated varint", []byte{0x80}, ErrTruncated, KindTruncated},
		{"version zero", []byte{0, 0, 0}, ErrUnsupportedVersion, KindUnsupportedVersion},
		{"future version", futureVersion, ErrUnsupportedVersion, KindUnsupportedVersion},
		{"trailing bytes", append(append([]byte(nil), valid...), 0), ErrMalformed, KindMalformed},
		{"non-minimal version varint", nonMinimal, ErrMalformed, KindMalformed},
		{"varint overflow", bytes.Repeat([]byte{0xff}, 11), ErrMalformed, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error %v does not match %v", err, tt.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if de.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", de.Kind, tt.kind)
			}
			if Validate(tt.data) == nil {
				t.Error("Validate accepted input that Decode rejected")
			}
		})
	}
}

func TestDecodeErrorIsDistinct(t *testing.T) {
	_, err := Decode([]byte{FormatVersion})
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("truncated error matched another kind: %v", err)
	}
	if !IsDecodeError(err) {
		t.Error("IsDecodeError returned false")
	}
	if IsDecodeError(errors.New("other")) {
		t.Error("IsDecodeError returned true for unrelated error")
	}
}
