package socket

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); err == nil {
		t.Fatal("expected error")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &PeerRequest{RequestId: "1", Operation: int32(OperationSubscribe), Subscribe: &SubscribeRequest{EntityId: "ent_x", Version: []byte{1, 2}}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationSubscribe || decoded.Subscribe == nil || decoded.Subscribe.EntityId != "ent_x" {
		t.Fatalf("bad decode: %+v", decoded)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  *PeerRequest
		ok   bool
	}{
		{"nil", nil, false},
		{"unknown op", &PeerRequest{}, false},
		{"ping", &PeerRequest{Operation: int32(OperationPing)}, true},
		{"subscribe without entity", &PeerRequest{Operation: int32(OperationSubscribe), Subscribe: &SubscribeRequest{}}, false},
		{"update without delta", &PeerRequest{Operation: int32(OperationUpdate), Update: &UpdateRequest{EntityId: "ent_x"}}, false},
		{"update", &PeerRequest{Operation: int32(OperationUpdate), Update: &UpdateRequest{EntityId: "ent_x", Delta: []byte{1}}}, true},
	}
	for _, tc := range cases {
		err := ValidateRequest(tc.req)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
