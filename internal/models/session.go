package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

var ErrInvalidMessage = errors.New("invalid message")

// Session describes one live websocket connection.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func NewSession(userID string) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		UserID:      userID,
		ConnectedAt: time.Now(),
	}
}

// MessageType tags every frame of the collaboration protocol.
type MessageType string

const (
	// Client -> server
	MessageJoin        MessageType = "join"
	MessageLeave       MessageType = "leave"
	MessageEditContent MessageType = "editContent"
	MessageEditCode    MessageType = "editCode"
	MessageUndo        MessageType = "undo"

	// Server -> client
	MessageHydrate        MessageType = "hydrate"
	MessageContentUpdated MessageType = "contentUpdated"
	MessageCodeUpdated    MessageType = "codeUpdated"
	MessageError          MessageType = "error"
)

// Event names used by older editor clients.
var legacyTypes = map[string]MessageType{
	"join-document":  MessageJoin,
	"leave-document": MessageLeave,
	"edit-document":  MessageEditContent,
	"edit-code":      MessageEditCode,
	"undo-document":  MessageUndo,
}

// InboundMessage is the raw client frame.
type InboundMessage struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	Text       *string         `json:"text,omitempty"`
	Content    *string         `json:"content,omitempty"`
	Code       *string         `json:"code,omitempty"`
	Operation  json.RawMessage `json:"operation,omitempty"`
}

// Command is a validated client message. Exactly the fields relevant to Type are set.
type Command struct {
	Type       MessageType
	DocumentID string
	Payload    string
	Operation  *Operation
}

// Edit returns the edit carried by an editContent/editCode command.
func (c Command) Edit() Edit {
	kind := EditContent
	if c.Type == MessageEditCode {
		kind = EditCode
	}
	return Edit{DocumentID: c.DocumentID, Kind: kind, Payload: c.Payload}
}

// DecodeCommand parses and validates a client frame. Anything malformed is
// rejected here and never reaches the engine.
func DecodeCommand(data []byte) (Command, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msgType := MessageType(msg.Type)
	if legacy, ok := legacyTypes[msg.Type]; ok {
		msgType = legacy
	}

	cmd := Command{Type: msgType, DocumentID: strings.TrimSpace(msg.DocumentID)}
	if cmd.DocumentID == "" {
		return Command{}, fmt.Errorf("%w: missing documentId", ErrInvalidMessage)
	}

	switch msgType {
	case MessageJoin, MessageLeave, MessageUndo:
		return cmd, nil

	case MessageEditContent:
		payload := firstSet(msg.Text, msg.Content)
		if payload == nil {
			return Command{}, fmt.Errorf("%w: %s without text", ErrInvalidMessage, msgType)
		}
		cmd.Payload = *payload
		if len(msg.Operation) > 0 && string(msg.Operation) != "null" {
			var op Operation
			if err := json.Unmarshal(msg.Operation, &op); err != nil {
				return Command{}, fmt.Errorf("%w: operation: %v", ErrInvalidMessage, err)
			}
			if err := op.Validate(); err != nil {
				return Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			cmd.Operation = &op
		}
		return cmd, nil

	case MessageEditCode:
		payload := firstSet(msg.Text, msg.Code)
		if payload == nil {
			return Command{}, fmt.Errorf("%w: %s without text", ErrInvalidMessage, msgType)
		}
		cmd.Payload = *payload
		return cmd, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
}

func firstSet(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// OutboundMessage is every server frame; unused fields are omitted.
type OutboundMessage struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"documentId,omitempty"`
	Text       *string     `json:"text,omitempty"`
	Content    *string     `json:"content,omitempty"`
	Code       *string     `json:"code,omitempty"`
	UpdatedAt  *time.Time  `json:"updatedAt,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
}

func HydrateMessage(s Snapshot) []byte {
	updatedAt := s.UpdatedAt
	return mustMarshal(OutboundMessage{
		Type:       MessageHydrate,
		DocumentID: s.DocumentID,
		Content:    &s.Content,
		Code:       &s.Code,
		UpdatedAt:  &updatedAt,
	})
}

// UpdateMessage is the broadcast for one applied edit; it carries only the payload.
func UpdateMessage(documentID string, kind EditKind, payload string) []byte {
	msgType := MessageContentUpdated
	if kind == EditCode {
		msgType = MessageCodeUpdated
	}
	return mustMarshal(OutboundMessage{
		Type:       msgType,
		DocumentID: documentID,
		Text:       &payload,
	})
}

func ErrorMessage(documentID, code, message string) []byte {
	return mustMarshal(OutboundMessage{
		Type:       MessageError,
		DocumentID: documentID,
		Error:      code,
		Message:    message,
	})
}

func mustMarshal(v OutboundMessage) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// OutboundMessage only holds strings and times
		panic(fmt.Sprintf("marshal outbound message: %v", err))
	}
	return data
}
