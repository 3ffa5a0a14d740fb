package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Queries understood by the runtime.
const (
	QueryStatus = "status"
)

// MaxMessageSize bounds a single framed message.
const MaxMessageSize = 1 << 20

var ErrMessageTooLarge = errors.New("ipc: message too large")

// NewQuery creates a {"query": name} request.
func NewQuery(name string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"query": structpb.NewStringValue(name),
	}}
}

// QueryName extracts the query of a request.
func QueryName(msg *structpb.Struct) (string, error) {
	v, ok := msg.GetFields()["query"]
	if !ok {
		return "", fmt.Errorf("request has no query field")
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("query field is not a string")
	}
	return s.StringValue, nil
}

// NewErrorMessage creates an {"error": msg} response.
func NewErrorMessage(msg string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error": structpb.NewStringValue(msg),
	}}
}

// ResponseError returns the error carried by a response, if any.
func ResponseError(msg *structpb.Struct) error {
	v, ok := msg.GetFields()["error"]
	if !ok {
		return nil
	}
	return fmt.Errorf("server error: %s", v.GetStringValue())
}

// readMessage reads one length prefixed message.
func readMessage(r io.Reader) (*structpb.Struct, error) {
	// Read message length (4 bytes, big endian)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message data: %w", err)
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// writeMessage writes one length prefixed message.
func writeMessage(w io.Writer, msg *structpb.Struct) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	buf := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	if _, err := w.Write(append(buf, data...)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
