package envelope

import (
	"bytes"
	"testing"
)

func TestWriteReadEnvelope(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			original := &Envelope{
				Command:      CommandExecute,
				WorkItemID:   1 << 40,
				TaskTypeName: "echo",
				PayloadKind:  KindData,
				Parameters:   map[string]any{"key": "value"},
				WorkerID:     2,
				Progress:     0.25,
			}
			original.SetParam("mesh", original.AddBuffer("mesh", []byte{0, 1, 2, 0xff}))
			original.SetParam("empty", original.AddBuffer("empty", []byte{}))

			var buf bytes.Buffer
			if err := WriteMessage(&buf, f, original); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}

			var decoded Envelope
			if err := ReadMessage(&buf, f, &decoded); err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}

			if decoded.Command != original.Command {
				t.Errorf("Command = %q, want %q", decoded.Command, original.Command)
			}
			if decoded.WorkItemID != original.WorkItemID {
				t.Errorf("WorkItemID = %d, want %d", decoded.WorkItemID, original.WorkItemID)
			}
			if decoded.TaskTypeName != original.TaskTypeName {
				t.Errorf("TaskTypeName = %q, want %q", decoded.TaskTypeName, original.TaskTypeName)
			}
			if decoded.WorkerID != original.WorkerID {
				t.Errorf("WorkerID = %d, want %d", decoded.WorkerID, original.WorkerID)
			}
			if decoded.Param("key") != "value" {
				t.Errorf("Parameters[key] = %v, want value", decoded.Parameters["key"])
			}
			if decoded.Progress != original.Progress {
				t.Errorf("Progress = %v, want %v", decoded.Progress, original.Progress)
			}
			if b, ok := decoded.Buffer("mesh"); !ok || !bytes.Equal(b, []byte{0, 1, 2, 0xff}) {
				t.Errorf("mesh buffer = %v, %v", b, ok)
			}
			if b, ok := decoded.Buffer("empty"); !ok || len(b) != 0 {
				t.Errorf("empty buffer = %v, %v", b, ok)
			}
			if err := decoded.Validate(); err != nil {
				t.Errorf("decoded envelope no longer valid: %v", err)
			}
		})
	}
}

func TestCBORKeepsBuffersBinary(t *testing.T) {
	env := New(CommandExecute)
	env.SetParam("data", env.AddBuffer("data", bytes.Repeat([]byte{0xff}, 3000)))

	var jsonBuf, cborBuf bytes.Buffer
	if err := WriteMessage(&jsonBuf, FormatJSON, env); err != nil {
		t.Fatalf("WriteMessage json: %v", err)
	}
	if err := WriteMessage(&cborBuf, FormatCBOR, env); err != nil {
		t.Fatalf("WriteMessage cbor: %v", err)
	}
	if cborBuf.Len() >= jsonBuf.Len() {
		t.Errorf("cbor frame %d bytes, json frame %d bytes; expected cbor to be smaller", cborBuf.Len(), jsonBuf.Len())
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4, so the length prefix is short.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var env Envelope
	if err := ReadMessage(buf, FormatJSON, &env); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	// Length prefix says 100 bytes, but only 2 bytes of payload follow.
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64})
	buf.Write([]byte{0x7B, 0x7D})

	var env Envelope
	if err := ReadMessage(&buf, FormatJSON, &env); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	// Length prefix claims MaxMessageSize + 1; rejected before allocating.
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var env Envelope
	if err := ReadMessage(&buf, FormatJSON, &env); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"cbor", FormatCBOR, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
