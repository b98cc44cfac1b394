package collab

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary batch body, protobuf wire format:
//
//	message BatchCreate {
//	  string workspace_id = 1;
//	  repeated Params params = 2;
//	}
//	message Params {
//	  string object_id = 1;
//	  bytes encoded_collab_v1 = 2;
//	  int32 collab_type = 3;
//	  bool override_if_exist = 4;
//	}
const (
	batchFieldWorkspaceID protowire.Number = 1
	batchFieldParams      protowire.Number = 2

	paramsFieldObjectID      protowire.Number = 1
	paramsFieldEncodedCollab protowire.Number = 2
	paramsFieldCollabType    protowire.Number = 3
	paramsFieldOverride      protowire.Number = 4
)

// BatchContentType is the media type of a binary batch body.
const BatchContentType = "application/octet-stream"

// ErrBodyTooLarge is returned when a decompressed batch exceeds its limit.
var ErrBodyTooLarge = errors.New("batch body too large")

// EncodeBatch serializes a batch create. It is the client half of the
// binary body and the exact inverse of DecodeBatch; clients that push
// binary batches build their request bodies with it.
func EncodeBatch(req BatchCreateParams) []byte {
	var b []byte
	if req.WorkspaceID != "" {
		b = protowire.AppendTag(b, batchFieldWorkspaceID, protowire.BytesType)
		b = protowire.AppendString(b, req.WorkspaceID)
	}
	for _, p := range req.Params {
		b = protowire.AppendTag(b, batchFieldParams, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeParams(p))
	}
	return b
}

func encodeParams(p Params) []byte {
	b := make([]byte, 0, len(p.ObjectID)+len(p.EncodedCollab)+16)
	b = protowire.AppendTag(b, paramsFieldObjectID, protowire.BytesType)
	b = protowire.AppendString(b, p.ObjectID)
	b = protowire.AppendTag(b, paramsFieldEncodedCollab, protowire.BytesType)
	b = protowire.AppendBytes(b, p.EncodedCollab)
	if p.CollabType != 0 {
		b = protowire.AppendTag(b, paramsFieldCollabType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.CollabType))
	}
	if p.OverrideIfExist {
		b = protowire.AppendTag(b, paramsFieldOverride, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// DecodeBatch parses a binary batch body. Unknown fields are skipped.
// Payload bytes are copied out of data.
func DecodeBatch(data []byte) (BatchCreateParams, error) {
	var req BatchCreateParams
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return BatchCreateParams{}, batchWireError("tag", n)
		}
		data = data[n:]

		switch {
		case num == batchFieldWorkspaceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return BatchCreateParams{}, batchWireError("workspace_id", n)
			}
			req.WorkspaceID = v
			data = data[n:]
		case num == batchFieldParams && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return BatchCreateParams{}, batchWireError("params", n)
			}
			p, err := decodeParams(v)
			if err != nil {
				return BatchCreateParams{}, fmt.Errorf("params[%d]: %w", len(req.Params), err)
			}
			req.Params = append(req.Params, p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return BatchCreateParams{}, batchWireError("unknown field", n)
			}
			data = data[n:]
		}
	}
	return req, nil
}

func decodeParams(data []byte) (Params, error) {
	var p Params
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Params{}, batchWireError("tag", n)
		}
		data = data[n:]

		switch {
		case num == paramsFieldObjectID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Params{}, batchWireError("object_id", n)
			}
			p.ObjectID = v
			data = data[n:]
		case num == paramsFieldEncodedCollab && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Params{}, batchWireError("encoded_collab_v1", n)
			}
			p.EncodedCollab = bytes.Clone(v)
			data = data[n:]
		case num == paramsFieldCollabType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Params{}, batchWireError("collab_type", n)
			}
			if v > math.MaxInt32 {
				return Params{}, fmt.Errorf("%w: collab_type %d out of range", ErrInvalidRequest, v)
			}
			p.CollabType = Type(v)
			data = data[n:]
		case num == paramsFieldOverride && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Params{}, batchWireError("override_if_exist", n)
			}
			p.OverrideIfExist = protowire.DecodeBool(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Params{}, batchWireError("unknown field", n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func batchWireError(field string, n int) error {
	return fmt.Errorf("%w: malformed batch body at %s: %v", ErrInvalidRequest, field, protowire.ParseError(n))
}

// BatchCompressor zstd-compresses binary batch bodies on the client side.
// BatchDecompressor reverses it on the server.
type BatchCompressor struct {
	enc *zstd.Encoder
}

func NewBatchCompressor() (*BatchCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &BatchCompressor{enc: enc}, nil
}

// Compress returns the zstd frame for an encoded batch.
func (c *BatchCompressor) Compress(body []byte) []byte {
	return c.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
}

func (c *BatchCompressor) Close() error {
	return c.enc.Close()
}

// BatchDecompressor inflates zstd batch bodies with an output bound.
type BatchDecompressor struct {
	dec      *zstd.Decoder
	maxBytes int64
}

// NewBatchDecompressor returns a decompressor that refuses to inflate more
// than maxBytes. maxBytes <= 0 disables the bound.
func NewBatchDecompressor(maxBytes int64) (*BatchDecompressor, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if maxBytes > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxBytes)))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, err
	}
	return &BatchDecompressor{dec: dec, maxBytes: maxBytes}, nil
}

// Decompress inflates a compressed batch body. It is safe for concurrent use.
func (d *BatchDecompressor) Decompress(compressed []byte) ([]byte, error) {
	out, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrBodyTooLarge
		}
		return nil, fmt.Errorf("%w: invalid zstd body: %v", ErrInvalidRequest, err)
	}
	if d.maxBytes > 0 && int64(len(out)) > d.maxBytes {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

func (d *BatchDecompressor) Close() {
	d.dec.Close()
}
