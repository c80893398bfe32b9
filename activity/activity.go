// Package activity defines the values the activity protocol exchanges
// between a client and the host it launches: the request that identifies a
// single activity instance, the result that ends it, and the open options
// for window-based delivery. The fragment codec in codec.go is the only part
// of the protocol that survives a page reload.
package activity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Code classifies how an activity ended.
type Code string

const (
	// CodeOK means the host completed the activity and produced data.
	CodeOK Code = "ok"

	// CodeCanceled means the user or the host abandoned the activity.
	CodeCanceled Code = "canceled"

	// CodeFailed means the host hit an error; the result data carries the
	// error message.
	CodeFailed Code = "failed"
)

// ParseCode parses the canonical wire string of a result code.
func ParseCode(s string) (Code, error) {
	c := Code(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown result code %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the canonical codes.
func (c Code) Valid() bool {
	switch c {
	case CodeOK, CodeCanceled, CodeFailed:
		return true
	default:
		return false
	}
}

// String returns the canonical wire string.
func (c Code) String() string {
	return string(c)
}

// Mode identifies the delivery mechanism an activity runs under.
type Mode string

const (
	ModeIframe   Mode = "iframe"
	ModePopup    Mode = "popup"
	ModeRedirect Mode = "redirect"
)

// Request identifies one logical activity instance.
//
// RequestID is chosen by the caller and must be unique among that client's
// concurrently pending activities. ReturnURL is where a redirect-mode host
// navigates back to; live-channel hosts ignore it.
type Request struct {
	RequestID string         `json:"requestId"`
	ReturnURL string         `json:"returnUrl"`
	Args      map[string]any `json:"args,omitempty"`
}

// Validate checks the structural invariants of a request.
func (r *Request) Validate() error {
	if r == nil {
		return &Error{Kind: KindMalformedRequest, Message: "request is nil"}
	}
	if r.RequestID == "" {
		return &Error{Kind: KindMalformedRequest, Message: "request id is required"}
	}
	return nil
}

// NewRequestID returns a fresh caller-side request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Result is the single outcome of one activity instance. It is produced
// exactly once by the host side, or synthesized from a redirect fragment,
// and must be treated as immutable once constructed.
//
// OriginVerified is true only when Origin came from a fabric-asserted
// message source; an origin read out of a fragment payload is merely
// claimed. SecureChannel is true only for direct message channels; a
// fragment is writable by anyone who can navigate the page.
type Result struct {
	RequestID      string
	Code           Code
	Data           any
	Origin         string
	OriginVerified bool
	SecureChannel  bool
}

// FailureMessage returns the error message carried by a failed result, or
// "" for any other code.
func (r *Result) FailureMessage() string {
	if r == nil || r.Code != CodeFailed {
		return ""
	}
	if s, ok := r.Data.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", r.Data)
}

// OpenOptions carries display hints for window-based activities. The core
// never interprets them; Features renders them into the opaque string the
// windowing primitive takes.
type OpenOptions struct {
	Width  int
	Height int

	// ReturnURL overrides the launching context's own URL as the address a
	// redirect-mode host navigates back to.
	ReturnURL string
}

// Features renders the display hints as a windowing feature string, e.g.
// "width=300,height=400". Zero-valued hints are omitted.
func (o *OpenOptions) Features() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if o.Width > 0 {
		parts = append(parts, fmt.Sprintf("width=%d", o.Width))
	}
	if o.Height > 0 {
		parts = append(parts, fmt.Sprintf("height=%d", o.Height))
	}
	return strings.Join(parts, ",")
}
