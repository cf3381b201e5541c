package a2a

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ============================================================================
// WIRE VALIDATION
// Inbound payloads are validated before anything touches task state.
// Validation failures surface as *Error values with the caller-facing
// detail in Data.
// ============================================================================

// ValidateRequest checks the JSON-RPC envelope: version literal, known
// method, and id type (string, number, or null).
func ValidateRequest(req *Request) *Error {
	if req.JSONRPC != JSONRPCVersion {
		return ErrInvalidRequest.WithData(fmt.Sprintf("jsonrpc must be %q, got %q", JSONRPCVersion, req.JSONRPC))
	}
	if req.Method == "" {
		return ErrInvalidRequest.WithData("method is required")
	}
	if !KnownMethod(req.Method) {
		return ErrMethodNotFound.WithData(req.Method)
	}
	switch req.ID.(type) {
	case nil, string, float64, json.Number, int, int64:
	default:
		return ErrInvalidRequest.WithData(fmt.Sprintf("id must be a string, number, or null, got %T", req.ID))
	}
	return nil
}

// ValidateIncomingMessage checks a caller-supplied message for
// message/send and message/stream: role must be "user", parts must be
// non-empty and each individually valid.
func ValidateIncomingMessage(msg *Message) *Error {
	if msg == nil {
		return ErrInvalidParams.WithData("message is required")
	}
	if msg.Role != MessageRoleUser {
		return ErrInvalidParams.WithData(fmt.Sprintf("message.role must be %q, got %q", MessageRoleUser, msg.Role))
	}
	if len(msg.Parts) == 0 {
		return ErrInvalidParams.WithData("message.parts must not be empty")
	}
	for i := range msg.Parts {
		if err := ValidatePart(&msg.Parts[i]); err != nil {
			return ErrInvalidParams.WithData(fmt.Sprintf("message.parts[%d]: %v", i, err.Data))
		}
	}
	return nil
}

// ValidatePart checks that the part's payload matches its kind tag.
func ValidatePart(p *Part) *Error {
	switch p.Kind {
	case PartKindText:
		if p.File != nil || p.Data != nil {
			return ErrInvalidParams.WithData("text part must not carry file or data payload")
		}
		if !utf8.ValidString(p.Text) {
			return ErrInvalidParams.WithData("text part is not valid UTF-8")
		}
	case PartKindFile:
		if p.File == nil {
			return ErrInvalidParams.WithData("file part requires a file payload")
		}
		hasBytes := p.File.Bytes != ""
		hasURI := p.File.URI != ""
		if hasBytes == hasURI {
			return ErrInvalidParams.WithData("file part requires exactly one of bytes or uri")
		}
	case PartKindData:
		if p.Data == nil {
			return ErrInvalidParams.WithData("data part requires a data payload")
		}
	case "":
		return ErrInvalidParams.WithData("part kind is required")
	default:
		return ErrInvalidParams.WithData(fmt.Sprintf("unknown part kind %q", p.Kind))
	}
	return nil
}

// ValidateArtifact checks an artifact produced by a worker before it is
// published on the stream.
func ValidateArtifact(a *Artifact) *Error {
	if a == nil {
		return ErrInternalError.WithData("artifact is nil")
	}
	if a.ArtifactID == "" {
		return ErrInternalError.WithData("artifact.artifactId is required")
	}
	for i := range a.Parts {
		if err := ValidatePart(&a.Parts[i]); err != nil {
			return ErrInternalError.WithData(fmt.Sprintf("artifact.parts[%d]: %v", i, err.Data))
		}
	}
	return nil
}
