package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"editContent","documentId":"doc-1","text":"Hello"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.Equal(t, MessageEditContent, cmd.Type)
	assert.Equal(t, Edit{DocumentID: "doc-1", Kind: EditContent, Payload: "Hello"}, cmd.Edit())

	cmd, err = DecodeCommand([]byte(`{"type":"editCode","documentId":"doc-1","code":"x := 1"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.Equal(t, Edit{DocumentID: "doc-1", Kind: EditCode, Payload: "x := 1"}, cmd.Edit())
}

func TestDecodeCommandAcceptsEmptyPayload(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"editContent","documentId":"doc-1","text":""}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.Equal(t, "", cmd.Payload)
}

func TestDecodeCommandLegacyNames(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"edit-document","documentId":"doc-1","content":"Hi"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.Equal(t, MessageEditContent, cmd.Type)
	assert.Equal(t, "Hi", cmd.Payload)

	cmd, err = DecodeCommand([]byte(`{"type":"join-document","documentId":"doc-1"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.Equal(t, MessageJoin, cmd.Type)
}

func TestDecodeCommandOperation(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"editContent","documentId":"d","text":"Hello World",
		"operation":{"type":"insert","index":5,"text":" World"}}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	assert.NotEqual(t, nil, cmd.Operation)
	assert.Equal(t, Insert(5, " World"), *cmd.Operation)
}

func TestDecodeCommandRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"type":`,
		"missing document": `{"type":"editContent","text":"x"}`,
		"blank document":   `{"type":"join","documentId":"  "}`,
		"missing payload":  `{"type":"editContent","documentId":"d"}`,
		"payload shape":    `{"type":"editCode","documentId":"d","text":42}`,
		"unknown type":     `{"type":"delete","documentId":"d"}`,
		"bad operation":    `{"type":"editContent","documentId":"d","text":"x","operation":{"type":"delete","index":0}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(raw))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("DecodeCommand(%s) = %v, want ErrInvalidMessage", raw, err)
			}
		})
	}
}

func TestOutboundMessages(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var hydrate map[string]any
	if err := json.Unmarshal(HydrateMessage(Snapshot{DocumentID: "d", UpdatedAt: at}), &hydrate); err != nil {
		t.Fatalf("unmarshal hydrate: %v", err)
	}
	assert.Equal(t, "hydrate", hydrate["type"])
	assert.Equal(t, "", hydrate["content"])
	assert.Equal(t, "", hydrate["code"])
	assert.Equal(t, "2026-01-02T03:04:05Z", hydrate["updatedAt"])

	var update map[string]any
	if err := json.Unmarshal(UpdateMessage("d", EditCode, "fmt.Println()"), &update); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	assert.Equal(t, "codeUpdated", update["type"])
	assert.Equal(t, "fmt.Println()", update["text"])
}
