package envelope

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func sampleData() *DataPayload {
	return &DataPayload{
		Params: map[string]any{
			"name":  "torus",
			"scale": 1.5,
			"color": map[string]any{"r": 0.25, "g": 0.5},
			"tags":  []any{"a", "b"},
		},
		Buffers: map[string][]byte{
			"position": {1, 2, 3, 4},
			"normal":   {5, 6},
			"uv":       {},
		},
		Progress: 0.5,
	}
}

func TestDataCodecRoundTrip(t *testing.T) {
	for _, clone := range []bool{false, true} {
		in := sampleData()
		want := sampleData()

		env, err := DataCodec{}.Pack(in, clone)
		if err != nil {
			t.Fatalf("Pack(clone=%v): %v", clone, err)
		}
		env.Command = CommandExecute
		if err := env.Validate(); err != nil {
			t.Fatalf("packed envelope invalid: %v", err)
		}
		if len(env.Buffers) != len(want.Buffers) {
			t.Fatalf("packed %d buffers, want %d", len(env.Buffers), len(want.Buffers))
		}

		out, err := DataCodec{}.Unpack(env, clone)
		if err != nil {
			t.Fatalf("Unpack(clone=%v): %v", clone, err)
		}
		got := out.(*DataPayload)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip (clone=%v) = %+v, want %+v", clone, got, want)
		}
	}
}

func TestDataCodecCloneSeparatesMemory(t *testing.T) {
	in := sampleData()
	env, err := DataCodec{}.Pack(in, true)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	b, _ := env.Buffer("position")
	b[0] = 99
	if in.Buffers["position"][0] != 1 {
		t.Error("cloned pack still shares memory with the source payload")
	}
}

func TestDataCodecMovesWithoutClone(t *testing.T) {
	in := sampleData()
	env, err := DataCodec{}.Pack(in, false)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	b, _ := env.Buffer("position")
	if &b[0] != &in.Buffers["position"][0] {
		t.Error("pack without clone copied the buffer")
	}
}

func TestDataCodecRejectsReservedParam(t *testing.T) {
	in := &DataPayload{Params: map[string]any{buffersParam: "x"}}
	if _, err := (DataCodec{}).Pack(in, false); err == nil {
		t.Fatal("expected error for reserved parameter")
	}
}

func TestDataCodecRejectsForeignValue(t *testing.T) {
	if _, err := (DataCodec{}).Pack("not a payload", false); err == nil {
		t.Fatal("expected error packing a string")
	}
}

func TestDataCodecUnreferencedBuffers(t *testing.T) {
	env := New(CommandExecute)
	env.AddBuffer("orphan", []byte("x"))
	if _, err := (DataCodec{}).Unpack(env, false); err == nil {
		t.Fatal("expected error for unreferenced buffer")
	}
}

func TestCodecsDispatchOnKind(t *testing.T) {
	codecs := NewCodecs()
	env, err := codecs.Pack(KindData, sampleData(), false)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if env.PayloadKind != KindData {
		t.Errorf("PayloadKind = %q, want %q", env.PayloadKind, KindData)
	}
	if _, err := codecs.Unpack(env, false); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	env.PayloadKind = "mesh"
	if _, err := codecs.Unpack(env, false); !errors.Is(err, ErrUnknownPayloadKind) {
		t.Errorf("Unpack unknown kind error = %v, want ErrUnknownPayloadKind", err)
	}
}

func TestDataRoundTripOverWire(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(f), func(t *testing.T) {
			env, err := DataCodec{}.Pack(sampleData(), true)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			env.Command = CommandExecuteComplete
			env.WorkItemID = 9

			var buf bytes.Buffer
			if err := WriteMessage(&buf, f, env); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			var decoded Envelope
			if err := ReadMessage(&buf, f, &decoded); err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if err := decoded.Validate(); err != nil {
				t.Fatalf("decoded envelope invalid: %v", err)
			}

			out, err := DataCodec{}.Unpack(&decoded, false)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			got := out.(*DataPayload)
			want := sampleData()
			if len(got.Buffers) != len(want.Buffers) {
				t.Fatalf("got %d buffers, want %d", len(got.Buffers), len(want.Buffers))
			}
			for name, b := range want.Buffers {
				if !bytes.Equal(got.Buffers[name], b) {
					t.Errorf("buffer %q = %v, want %v", name, got.Buffers[name], b)
				}
			}
			if got.Params["name"] != "torus" || got.Params["scale"] != 1.5 {
				t.Errorf("params = %v", got.Params)
			}
			if got.Progress != want.Progress {
				t.Errorf("progress = %v, want %v", got.Progress, want.Progress)
			}
		})
	}
}
