package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_Request(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type() != "request" {
		t.Fatalf("want request, got %s", msg.Type())
	}
	req := msg.AsRequest()
	if req == nil || req.Method != "tools/list" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.IsNotification() {
		t.Fatal("request with id must not be a notification")
	}
	if req.ID.String() != "1" {
		t.Fatalf("id round-trip: got %q", req.ID.String())
	}
}

func TestParse_Notification(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type() != "notification" {
		t.Fatalf("want notification, got %s", msg.Type())
	}
	if !msg.AsRequest().IsNotification() {
		t.Fatal("expected IsNotification")
	}
}

func TestParse_Response(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type() != "response" {
		t.Fatalf("want response, got %s", msg.Type())
	}
	if msg.AsRequest() != nil {
		t.Fatal("response must not convert to request")
	}
	if resp := msg.AsResponse(); resp == nil || resp.ID.String() != "abc" {
		t.Fatalf("unexpected response: %+v", msg.AsResponse())
	}
}

func TestParse_SyntaxErrorIsErrParse(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("want ErrParse, got %v", err)
	}
}

func TestParse_WrongVersionIsInvalidMessage(t *testing.T) {
	for _, payload := range []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"method":"x","result":{}}`,
	} {
		_, err := Parse([]byte(payload))
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("payload %s: want ErrInvalidMessage, got %v", payload, err)
		}
	}
}

func TestExtractID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"jsonrpc":"1.0","id":9,"method":"ping"}`, "9"},
		{`{"id":"req-1"}`, "req-1"},
		{`{"method":"ping"}`, ""},
		{`{not json`, ""},
		{`{"id":{"nested":true}}`, ""},
	}
	for _, c := range cases {
		got := ExtractID([]byte(c.in))
		if got.String() != c.want {
			t.Fatalf("payload %s: want id %q, got %q", c.in, c.want, got.String())
		}
	}
}

func TestRequestID_JSONRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`7`, "7"},
		{`"seven"`, "seven"},
		{`7.5`, "7.5"},
	}
	for _, c := range cases {
		var id RequestID
		if err := json.Unmarshal([]byte(c.in), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", c.in, err)
		}
		if id.String() != c.want {
			t.Fatalf("unmarshal %s: want %q, got %q", c.in, c.want, id.String())
		}
		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.in, err)
		}
		if string(out) != c.in {
			t.Fatalf("marshal %s: got %s", c.in, out)
		}
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`{"nope":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestRequestID_NilMarshalsAsNull(t *testing.T) {
	var id *RequestID
	out, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal nil id: %v", err)
	}
	if string(out) != "null" {
		t.Fatalf("want null, got %s", out)
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(NewRequestID(3), ErrorCodeMethodNotFound, "no such method", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   *Error `json:"error"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != 3 {
		t.Fatalf("bad envelope: %s", b)
	}
	if decoded.Error == nil || decoded.Error.Code != ErrorCodeMethodNotFound {
		t.Fatalf("bad error: %s", b)
	}
}
