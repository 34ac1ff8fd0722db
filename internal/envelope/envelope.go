// Package envelope implements the binary envelope carried inside committed
// log entries. An envelope names the owning subsystem (request type), the
// operation to invoke, and its positional arguments.
//
// The encoding uses the protobuf wire format directly so that decoding is
// deterministic: the same payload bytes always produce the same Request on
// every replica. Unknown fields are skipped for forward compatibility, but a
// missing or unsupported version tag fails the decode.
package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version is the envelope format version written by EncodeRequest.
const Version = 1

// ErrMalformedEnvelope is returned (wrapped) when payload bytes are not a
// well-formed envelope: bad framing, unsupported version, unknown request
// type tag, or a truncated argument list.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// RequestType identifies the subsystem that owns an operation. The set is
// closed: decoding rejects tags outside it.
type RequestType int32

// Subsystems addressable through the replicated state machine.
const (
	TypeContainer  RequestType = 1
	TypePipeline   RequestType = 2
	TypeBlock      RequestType = 3
	TypeSequenceID RequestType = 4
	TypeUpgrade    RequestType = 5
)

// String returns the lowercase name used in logs and metric labels.
func (t RequestType) String() string {
	switch t {
	case TypeContainer:
		return "container"
	case TypePipeline:
		return "pipeline"
	case TypeBlock:
		return "block"
	case TypeSequenceID:
		return "sequence_id"
	case TypeUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

func validRequestType(t RequestType) bool {
	switch t {
	case TypeContainer, TypePipeline, TypeBlock, TypeSequenceID, TypeUpgrade:
		return true
	default:
		return false
	}
}

// Request is one decoded operation invocation. Immutable once decoded:
// produced from a committed entry and consumed exactly once by dispatch.
type Request struct {
	Type      RequestType
	Operation string
	Args      [][]byte
}

// Field numbers of the request envelope.
const (
	reqFieldVersion   = 1
	reqFieldType      = 2
	reqFieldOperation = 3
	reqFieldArg       = 4
)

// EncodeRequest serializes a request into an opaque envelope payload.
func EncodeRequest(req Request) []byte {
	b := protowire.AppendTag(nil, reqFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, reqFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Type))
	b = protowire.AppendTag(b, reqFieldOperation, protowire.BytesType)
	b = protowire.AppendString(b, req.Operation)
	for _, arg := range req.Args {
		b = protowire.AppendTag(b, reqFieldArg, protowire.BytesType)
		b = protowire.AppendBytes(b, arg)
	}
	return b
}

// DecodeRequest parses an envelope payload. Any failure wraps
// ErrMalformedEnvelope; the result for a given byte sequence is identical on
// every replica.
func DecodeRequest(payload []byte) (Request, error) {
	var (
		req        Request
		gotVersion bool
		gotType    bool
	)

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Request{}, malformed("bad tag", protowire.ParseError(n))
		}
		payload = payload[n:]

		switch {
		case num == reqFieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Request{}, malformed("bad version", protowire.ParseError(n))
			}
			if v != Version {
				return Request{}, malformed(fmt.Sprintf("unsupported version %d", v), nil)
			}
			gotVersion = true
			payload = payload[n:]
		case num == reqFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Request{}, malformed("bad request type", protowire.ParseError(n))
			}
			t := RequestType(int32(v))
			if !validRequestType(t) {
				return Request{}, malformed(fmt.Sprintf("unknown request type tag %d", v), nil)
			}
			req.Type = t
			gotType = true
			payload = payload[n:]
		case num == reqFieldOperation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Request{}, malformed("bad operation", protowire.ParseError(n))
			}
			req.Operation = string(v)
			payload = payload[n:]
		case num == reqFieldArg && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Request{}, malformed("truncated argument", protowire.ParseError(n))
			}
			req.Args = append(req.Args, append([]byte(nil), v...))
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Request{}, malformed("bad field", protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}

	if !gotVersion {
		return Request{}, malformed("missing version", nil)
	}
	if !gotType {
		return Request{}, malformed("missing request type", nil)
	}
	if req.Operation == "" {
		return Request{}, malformed("missing operation", nil)
	}
	return req, nil
}

// Response carries an operation result, or its failure, back as an opaque
// reply payload.
type Response struct {
	OK      bool
	Payload []byte
	Message string
}

// Field numbers of the response envelope.
const (
	respFieldOK      = 1
	respFieldPayload = 2
	respFieldMessage = 3
)

// EncodeResponse serializes a response. Side-effect-free.
func EncodeResponse(resp Response) []byte {
	b := protowire.AppendTag(nil, respFieldOK, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(resp.OK))
	if len(resp.Payload) > 0 {
		b = protowire.AppendTag(b, respFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Payload)
	}
	if resp.Message != "" {
		b = protowire.AppendTag(b, respFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, resp.Message)
	}
	return b
}

// DecodeResponse parses a reply payload produced by EncodeResponse.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Response{}, malformed("bad tag", protowire.ParseError(n))
		}
		payload = payload[n:]

		switch {
		case num == respFieldOK && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return Response{}, malformed("bad ok flag", protowire.ParseError(n))
			}
			resp.OK = protowire.DecodeBool(v)
			payload = payload[n:]
		case num == respFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Response{}, malformed("bad payload", protowire.ParseError(n))
			}
			resp.Payload = append([]byte(nil), v...)
			payload = payload[n:]
		case num == respFieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return Response{}, malformed("bad message", protowire.ParseError(n))
			}
			resp.Message = string(v)
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return Response{}, malformed("bad field", protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	return resp, nil
}

func malformed(detail string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, detail, cause)
	}
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, detail)
}
