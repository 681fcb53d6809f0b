package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(TypeTTSTF, TTSTF{Message: "hello there"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeTTSTF {
		t.Fatalf("type = %q, want %q", env.Type, TypeTTSTF)
	}
	var body TTSTF
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Message != "hello there" {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestEncodeOmitsNilData(t *testing.T) {
	raw, err := Encode(TypePing, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"type":"ping"}` {
		t.Fatalf("frame = %s", raw)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "nope"},
		{"missing type", `{"data":{}}`},
		{"blank type", `{"type":"  "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}
}

func TestDecodeSTFDuration(t *testing.T) {
	env, err := Decode([]byte(`{"type":"stf","data":{"message":"hi","duration":1350}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var body STF
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Duration != 1350 || body.Message != "hi" {
		t.Fatalf("body = %+v", body)
	}
}
