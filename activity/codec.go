package activity

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Reserved fragment parameters. A fragment is a set of percent-encoded
// key=value pairs joined by '&'; pairs under other keys belong to the page
// and every codec operation here preserves them. Fragments are handled
// without their leading '#', matching url.URL.Fragment.
const (
	// RequestParam carries a serialized Request in a redirect launch URL.
	RequestParam = "__WA__"

	// ResultParam carries a serialized result record in a redirect return
	// URL.
	ResultParam = "__WA_RES__"
)

// SerializeRequest renders a request in its canonical JSON string form, the
// opaque shape hosts parse at connect time.
func SerializeRequest(r *Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", &Error{Kind: KindMalformedRequest, Message: "serialize request", Err: err}
	}
	return string(b), nil
}

// ParseRequest parses the canonical string form produced by
// SerializeRequest.
func ParseRequest(s string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, &Error{Kind: KindMalformedRequest, Message: "parse request", Err: err}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// resultRecord is the redirect wire form of a result. Origin rides along as
// payload data only, which is why a fragment result is never
// origin-verified.
type resultRecord struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Data      any    `json:"data,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// EncodeRequestFragment inserts the serialized request into fragment under
// RequestParam, replacing any previous value and keeping other pairs.
func EncodeRequestFragment(fragment string, r *Request) (string, error) {
	s, err := SerializeRequest(r)
	if err != nil {
		return "", err
	}
	return setFragmentParam(fragment, RequestParam, s), nil
}

// DecodeRequestFragment extracts a request from a launch fragment. Absent
// or malformed payloads yield (nil, false).
func DecodeRequestFragment(fragment string) (*Request, bool) {
	raw, ok := fragmentParam(fragment, RequestParam)
	if !ok {
		return nil, false
	}
	r, err := ParseRequest(raw)
	if err != nil {
		return nil, false
	}
	return r, true
}

// EncodeResultFragment inserts the redirect encoding of res into fragment
// under ResultParam, replacing any previous value and keeping other pairs.
func EncodeResultFragment(fragment string, res *Result) (string, error) {
	if res == nil || res.RequestID == "" {
		return "", &Error{Kind: KindMalformedRequest, Message: "result requires a request id"}
	}
	if !res.Code.Valid() {
		return "", &Error{Kind: KindMalformedRequest, Message: "result requires a canonical code"}
	}
	rec := resultRecord{
		RequestID: res.RequestID,
		Code:      string(res.Code),
		Data:      res.Data,
		Origin:    res.Origin,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", &Error{Kind: KindMalformedRequest, Message: "serialize result", Err: err}
	}
	return setFragmentParam(fragment, ResultParam, string(b)), nil
}

// DecodeResultFragment extracts a result from a return fragment. An absent
// payload and a malformed one both yield (nil, false); callers cannot tell
// them apart, so a corrupted fragment degrades to "no result". A decoded
// result is never origin-verified and never secure.
func DecodeResultFragment(fragment string) (*Result, bool) {
	raw, ok := fragmentParam(fragment, ResultParam)
	if !ok {
		return nil, false
	}
	var rec resultRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	if rec.RequestID == "" {
		return nil, false
	}
	code, err := ParseCode(rec.Code)
	if err != nil {
		return nil, false
	}
	return &Result{
		RequestID:      rec.RequestID,
		Code:           code,
		Data:           rec.Data,
		Origin:         rec.Origin,
		OriginVerified: false,
		SecureChannel:  false,
	}, true
}

// StripResultFragment removes the result parameter from fragment, leaving
// every other pair intact. It returns the input unchanged when no result
// parameter is present.
func StripResultFragment(fragment string) string {
	return dropFragmentParam(fragment, ResultParam)
}

// StripRequestFragment removes the request parameter from fragment.
func StripRequestFragment(fragment string) string {
	return dropFragmentParam(fragment, RequestParam)
}

// SplitFragment splits a raw URL into its pre-fragment part and its
// fragment, without the '#'. URLs carry fragments in escaped form end to
// end; nothing here unescapes them.
func SplitFragment(rawurl string) (base, fragment string) {
	base, fragment, _ = strings.Cut(rawurl, "#")
	return base, fragment
}

// JoinFragment appends a fragment to a pre-fragment URL. An empty fragment
// yields base unchanged.
func JoinFragment(base, fragment string) string {
	if fragment == "" {
		return base
	}
	return base + "#" + fragment
}

// OriginOf derives the origin of a URL: scheme plus host. URLs without
// both, and unparsable URLs, have the opaque origin "null".
func OriginOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

func fragmentParam(fragment, key string) (string, bool) {
	fragment = strings.TrimPrefix(fragment, "#")
	if fragment == "" {
		return "", false
	}
	for _, part := range strings.Split(fragment, "&") {
		k, v, found := strings.Cut(part, "=")
		if !found || k != key {
			continue
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			return "", false
		}
		return decoded, true
	}
	return "", false
}

func setFragmentParam(fragment, key, value string) string {
	encoded := key + "=" + url.QueryEscape(value)
	fragment = strings.TrimPrefix(fragment, "#")
	if fragment == "" {
		return encoded
	}
	parts := strings.Split(fragment, "&")
	out := make([]string, 0, len(parts)+1)
	replaced := false
	for _, part := range parts {
		k, _, _ := strings.Cut(part, "=")
		if k == key {
			if !replaced {
				out = append(out, encoded)
				replaced = true
			}
			continue
		}
		out = append(out, part)
	}
	if !replaced {
		out = append(out, encoded)
	}
	return strings.Join(out, "&")
}

func dropFragmentParam(fragment, key string) string {
	trimmed := strings.TrimPrefix(fragment, "#")
	if trimmed == "" {
		return fragment
	}
	parts := strings.Split(trimmed, "&")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		k, _, _ := strings.Cut(part, "=")
		if k == key {
			continue
		}
		out = append(out, part)
	}
	if len(out) == len(parts) {
		return fragment
	}
	return strings.Join(out, "&")
}
