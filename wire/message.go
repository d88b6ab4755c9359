package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrorInfo mirrors the {domain, code, message} error triple the BLIP wire
// protocol returns on a reply error. The domain is always "BLIP" for
// errors generated by this package.
type ErrorInfo struct {
	Domain  string `json:"domain"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return errors.Errorf("%s %d: %s", e.Domain, e.Code, e.Message).Error()
}

// envelope is the on-wire frame body: a single JSON object, length-prefixed
// by Conn when it is written to the transport. This is a deliberately thin
// stand-in for the real BLIP binary framing (fleece-encoded properties,
// multi-frame body reassembly, compression) since the wire codec itself is
// out of scope here — only its request/response/streaming contract is
// implemented.
type envelope struct {
	Number     uint64            `json:"number"`
	Profile    string            `json:"profile,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	NoReply    bool              `json:"noReply,omitempty"`
	IsResponse bool              `json:"isResponse,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
}

// Message is a single incoming request or response.
type Message struct {
	number     uint64
	profile    string
	properties map[string]string
	body       []byte
	noReply    bool
	isResponse bool
	errInfo    *ErrorInfo

	conn *Conn
}

// Profile is the message's "Profile" property, naming which handler on the
// peer produced or should consume it (e.g. "changes", "rev").
func (m *Message) Profile() string { return m.profile }

// Number is the message's sequence number on this connection, used to pair
// a response with its request.
func (m *Message) Number() uint64 { return m.number }

// Property returns a named property, or "" if absent.
func (m *Message) Property(key string) string { return m.properties[key] }

// Body returns the raw message body.
func (m *Message) Body() []byte { return m.body }

// JSONBody unmarshals the body as JSON into v.
func (m *Message) JSONBody(v any) error {
	if len(m.body) == 0 {
		return nil
	}
	return json.Unmarshal(m.body, v)
}

// NoReply reports whether the sender asked for no acknowledgement.
func (m *Message) NoReply() bool { return m.noReply }

// IsError reports whether this (response) message carries an ErrorInfo.
func (m *Message) IsError() bool { return m.errInfo != nil }

// Error returns the carried ErrorInfo, or nil.
func (m *Message) Error() *ErrorInfo { return m.errInfo }

// Respond sends an empty or JSON-bodied success reply. It is a no-op if the
// sender set NoReply.
func (m *Message) Respond(body []byte) error {
	if m.noReply || m.conn == nil {
		return nil
	}
	return m.conn.sendResponse(m.number, body, nil)
}

// RespondWithError sends an error reply with the given BLIP-style code.
func (m *Message) RespondWithError(code int, message string) error {
	if m.noReply || m.conn == nil {
		return nil
	}
	return m.conn.sendResponse(m.number, nil, &ErrorInfo{Domain: "BLIP", Code: code, Message: message})
}

// MessageBuilder assembles an outbound request message.
type MessageBuilder struct {
	Profile    string
	Properties map[string]string
	Body       []byte
}

// NewMessageBuilder starts a builder for the given profile.
func NewMessageBuilder(profile string) *MessageBuilder {
	return &MessageBuilder{Profile: profile, Properties: map[string]string{}}
}

// Set assigns a property and returns the builder for chaining.
func (b *MessageBuilder) Set(key, value string) *MessageBuilder {
	b.Properties[key] = value
	return b
}

// SetJSONBody marshals v as the request body.
func (b *MessageBuilder) SetJSONBody(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling message body")
	}
	b.Body = data
	return nil
}
