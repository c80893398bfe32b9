package activity

import (
	"strings"
	"testing"
)

func TestParseCode(t *testing.T) {
	for _, s := range []string{"ok", "canceled", "failed"} {
		c, err := ParseCode(s)
		if err != nil {
			t.Fatalf("ParseCode(%q) failed: %v", s, err)
		}
		if c.String() != s {
			t.Errorf("ParseCode(%q) = %q", s, c)
		}
	}
}

func TestParseCodeRejectsUnknown(t *testing.T) {
	for _, s := range []string{"", "OK", "done", "cancelled"} {
		if _, err := ParseCode(s); err == nil {
			t.Errorf("ParseCode(%q) should fail", s)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	r := &Request{RequestID: "req-1", ReturnURL: "https://app.example/return"}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	empty := &Request{ReturnURL: "https://app.example/return"}
	err := empty.Validate()
	if err == nil {
		t.Fatal("request without id should fail validation")
	}
	if !IsKind(err, KindMalformedRequest) {
		t.Errorf("expected malformed request kind, got %v", err)
	}

	var nilReq *Request
	if err := nilReq.Validate(); err == nil {
		t.Error("nil request should fail validation")
	}
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == "" || b == "" {
		t.Fatal("request ids should be non-empty")
	}
	if a == b {
		t.Errorf("request ids should be unique, both were %q", a)
	}
}

func TestFailureMessage(t *testing.T) {
	failed := &Result{RequestID: "r", Code: CodeFailed, Data: "boom"}
	if got := failed.FailureMessage(); got != "boom" {
		t.Errorf("FailureMessage = %q, want %q", got, "boom")
	}

	ok := &Result{RequestID: "r", Code: CodeOK, Data: "fine"}
	if got := ok.FailureMessage(); got != "" {
		t.Errorf("ok result should have no failure message, got %q", got)
	}
}

func TestOpenOptionsFeatures(t *testing.T) {
	tests := []struct {
		opts *OpenOptions
		want string
	}{
		{nil, ""},
		{&OpenOptions{}, ""},
		{&OpenOptions{Width: 300}, "width=300"},
		{&OpenOptions{Height: 400}, "height=400"},
		{&OpenOptions{Width: 300, Height: 400}, "width=300,height=400"},
	}
	for _, tt := range tests {
		if got := tt.opts.Features(); got != tt.want {
			t.Errorf("Features() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	err := NewHandshakeError("host never answered", nil)
	if !strings.Contains(err.Error(), "handshake failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !IsKind(err, KindHandshake) {
		t.Error("expected handshake kind")
	}
	if kind, ok := KindOf(err); !ok || kind != KindHandshake {
		t.Errorf("KindOf = %v, %v", kind, ok)
	}
	if _, ok := KindOf(nil); ok {
		t.Error("KindOf(nil) should report false")
	}
}
