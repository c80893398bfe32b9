package wsctx

import (
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Envelope types.
const (
	// TypeRegister is the first client frame: declare a page URL, or claim
	// a pending open by id.
	TypeRegister = "register"

	// TypeWelcome is the hub's answer to register: the assigned context id
	// and the registered document facts.
	TypeWelcome = "welcome"

	// TypeSend asks the hub to forward the payload to target_id. The hub
	// restamps it as TypeDeliver with the sender's pinned origin.
	TypeSend    = "send"
	TypeDeliver = "deliver"

	// TypeOpen reserves a new context for a window the sender is opening;
	// TypeOpened answers with the reserved context id.
	TypeOpen   = "open"
	TypeOpened = "opened"

	// TypeNavigate reports the sender's own navigation so the hub re-pins
	// its route and origin. TypeNavigateTo asks the hub to navigate the
	// target context instead.
	TypeNavigate   = "navigate"
	TypeNavigateTo = "navigate_to"

	// TypePeerClosed tells linked contexts that target_id's context
	// disconnected.
	TypePeerClosed = "peer_closed"

	TypeError = "error"
)

// Envelope is one relay frame. Origin and SourceID on relayed envelopes are
// stamped by the hub from the sending connection's registration, never
// taken from the sender's own frame.
type Envelope struct {
	MsgID     string
	Type      string
	TargetID  string
	Origin    string
	SourceID  string
	Timestamp int64
	Payload   map[string]any
}

// wireDec decodes envelope payloads into string-keyed maps with signed
// integers, so payloads look the same here as after a memctx clone.
var wireDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EncodeEnvelope encodes an envelope to CBOR bytes.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	m := make(map[string]any)
	m["msg_id"] = env.MsgID
	m["type"] = env.Type
	m["timestamp"] = env.Timestamp
	if env.TargetID != "" {
		m["target_id"] = env.TargetID
	}
	if env.Origin != "" {
		m["origin"] = env.Origin
	}
	if env.SourceID != "" {
		m["source_id"] = env.SourceID
	}
	if env.Payload != nil {
		m["payload"] = env.Payload
	}
	return cbor.Marshal(m)
}

// DecodeEnvelope decodes CBOR bytes to an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var m map[string]any
	if err := wireDec.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	env := &Envelope{}

	id, ok := m["msg_id"].(string)
	if !ok || id == "" {
		return nil, errors.New("missing msg_id")
	}
	env.MsgID = id

	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return nil, errors.New("missing type")
	}
	env.Type = typ

	if v, ok := m["target_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("target_id must be a string")
		}
		env.TargetID = s
	}
	if v, ok := m["origin"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("origin must be a string")
		}
		env.Origin = s
	}
	if v, ok := m["source_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("source_id must be a string")
		}
		env.SourceID = s
	}
	if v, ok := m["timestamp"]; ok {
		ts, ok := v.(int64)
		if !ok {
			return nil, errors.New("timestamp must be an integer")
		}
		env.Timestamp = ts
	}
	if v, ok := m["payload"]; ok {
		p, ok := v.(map[string]any)
		if !ok {
			return nil, errors.New("payload must be a map")
		}
		env.Payload = p
	}
	return env, nil
}
