// Package collab implements the batch collaborative-document store: request
// validation, wire-shape compatibility, the atomic batch create path and the
// partial-success batch read path.
package collab

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Type identifies what kind of document a collab holds.
type Type int

const (
	TypeDocument Type = iota
	TypeDatabase
	TypeWorkspaceDatabase
	TypeFolder
	TypeDatabaseRow
	TypeUserAwareness
	TypeUnknown
)

var typeNames = [...]string{
	TypeDocument:          "Document",
	TypeDatabase:          "Database",
	TypeWorkspaceDatabase: "WorkspaceDatabase",
	TypeFolder:            "Folder",
	TypeDatabaseRow:       "DatabaseRow",
	TypeUserAwareness:     "UserAwareness",
	TypeUnknown:           "Unknown",
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known collab type.
func (t Type) Valid() bool {
	return t >= TypeDocument && t <= TypeUnknown
}

// ParseType accepts either the numeric form ("0") or the name ("Document").
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		t := Type(n)
		if !t.Valid() {
			return 0, fmt.Errorf("%w: unknown collab_type %d", ErrInvalidRequest, n)
		}
		return t, nil
	}
	for i, name := range typeNames {
		if strings.EqualFold(name, s) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown collab_type %q", ErrInvalidRequest, s)
}

// MarshalJSON encodes the type as its integer value.
func (t Type) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(t))), nil
}

// UnmarshalJSON accepts an integer or a type name.
func (t *Type) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed := Type(n)
		if !parsed.Valid() {
			return fmt.Errorf("%w: unknown collab_type %d", ErrInvalidRequest, n)
		}
		*t = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: collab_type must be an integer or a name", ErrInvalidRequest)
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Bytes is a binary payload. It is emitted as base64 and accepted either as
// base64 or as a JSON array of byte values, the layout older clients send.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: invalid base64 payload", ErrInvalidRequest)
		}
		*b = decoded
		return nil
	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("%w: payload array must hold integers", ErrInvalidRequest)
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("%w: payload byte %d out of range: %d", ErrInvalidRequest, i, v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	default:
		return fmt.Errorf("%w: payload must be base64 or a byte array", ErrInvalidRequest)
	}
}

// Identity is the unique key of a stored collab.
type Identity struct {
	WorkspaceID string
	ObjectID    string
	Type        Type
}

func (id Identity) String() string {
	return id.WorkspaceID + "/" + id.Type.String() + "/" + id.ObjectID
}

// Params describes one collab to create.
type Params struct {
	ObjectID        string `json:"object_id"`
	EncodedCollab   Bytes  `json:"encoded_collab_v1"`
	CollabType      Type   `json:"collab_type"`
	OverrideIfExist bool   `json:"override_if_exist"`
}

// CreateParams is the canonical in-memory form of a single-create request.
type CreateParams struct {
	WorkspaceID string
	Params
}

// Identity returns the identity the request targets.
func (p CreateParams) Identity() Identity {
	return Identity{WorkspaceID: p.WorkspaceID, ObjectID: p.ObjectID, Type: p.CollabType}
}

// BatchCreateParams is a batch of creates in one workspace.
type BatchCreateParams struct {
	WorkspaceID string
	Params      []Params
}

// Query names one collab to read.
type Query struct {
	ObjectID   string `json:"object_id"`
	CollabType Type   `json:"collab_type"`
}

// QueryParams is the canonical form of a single-read request body.
type QueryParams struct {
	WorkspaceID string `json:"workspace_id"`
	Inner       Query  `json:"inner"`
}

// BatchQueryParams is a batch of reads in one workspace.
type BatchQueryParams struct {
	WorkspaceID string  `json:"workspace_id,omitempty"`
	Queries     []Query `json:"queries"`
}

// UnmarshalJSON accepts either {"queries": [...]} or a bare array of queries.
func (p *BatchQueryParams) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var queries []Query
		if err := json.Unmarshal(data, &queries); err != nil {
			return err
		}
		*p = BatchQueryParams{Queries: queries}
		return nil
	}
	type plain BatchQueryParams
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = BatchQueryParams(out)
	return nil
}

// Outcome is the per-object result of a batch read: exactly one of
// Success or Failed is set.
type Outcome struct {
	Success *Success `json:"Success,omitempty"`
	Failed  *Failed  `json:"Failed,omitempty"`
}

// Success carries the stored bytes exactly as they were submitted.
type Success struct {
	EncodedCollab Bytes `json:"encode_collab_v1"`
}

// Failed carries the reason a single read did not succeed.
type Failed struct {
	Error string `json:"error"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Success != nil
}

// SuccessOutcome builds a success outcome.
func SuccessOutcome(data []byte) Outcome {
	return Outcome{Success: &Success{EncodedCollab: data}}
}

// FailedOutcome builds a failed outcome.
func FailedOutcome(reason string) Outcome {
	return Outcome{Failed: &Failed{Error: reason}}
}

// BatchQueryResult maps each distinct requested object id to its outcome.
type BatchQueryResult map[string]Outcome
