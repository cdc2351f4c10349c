package domain

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeBuildStart    = "build_start"
	TypeBuildUpdate   = "build_update"
	TypeBuildComplete = "build_complete"
	TypeBuildQuery    = "build_query"
	TypeSubscription  = "subscription"
)

// Outbound message types. build_update and build_complete are reused
// as broadcast event names.
const (
	EventBuildStarted        = "build_started"
	EventBuildUpdate         = "build_update"
	EventBuildComplete       = "build_complete"
	TypeBuildQueryResponse   = "build_query_response"
	TypeSubscriptionResponse = "subscription_response"
	TypeError                = "error"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Message is the closed set of inbound protocol messages. Only types in
// this package implement it.
type Message interface {
	Type() string
	validate() error
}

type BuildStart struct {
	BuildID    string `json:"build_id"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

type BuildUpdate struct {
	BuildID string `json:"build_id"`
	Step    string `json:"step,omitempty"`
	Status  string `json:"status,omitempty"`
	Log     string `json:"log,omitempty"`
}

type BuildComplete struct {
	BuildID string `json:"build_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

type BuildQuery struct {
	BuildID    string `json:"build_id,omitempty"`
	Repository string `json:"repository,omitempty"`
}

type Subscription struct {
	Repository string `json:"repository"`
	Action     string `json:"action"`
}

func (*BuildStart) Type() string    { return TypeBuildStart }
func (*BuildUpdate) Type() string   { return TypeBuildUpdate }
func (*BuildComplete) Type() string { return TypeBuildComplete }
func (*BuildQuery) Type() string    { return TypeBuildQuery }
func (*Subscription) Type() string  { return TypeSubscription }

func (m *BuildStart) validate() error {
	if m.BuildID == "" || m.Repository == "" || m.Branch == "" || m.Commit == "" {
		return protocolErrorf("build_start requires build_id, repository, branch and commit")
	}
	return nil
}

func (m *BuildUpdate) validate() error {
	if m.BuildID == "" {
		return protocolErrorf("build_update requires build_id")
	}
	if m.Step == "" && m.Status == "" && m.Log == "" {
		return protocolErrorf("build_update requires step, status or log")
	}
	return nil
}

func (m *BuildComplete) validate() error {
	if m.BuildID == "" || m.Status == "" {
		return protocolErrorf("build_complete requires build_id and status")
	}
	return nil
}

func (m *BuildQuery) validate() error {
	if m.BuildID == "" && m.Repository == "" {
		return protocolErrorf("build_query requires build_id or repository")
	}
	return nil
}

func (m *Subscription) validate() error {
	if m.Repository == "" {
		return protocolErrorf("subscription requires repository")
	}
	if m.Action != ActionSubscribe && m.Action != ActionUnsubscribe {
		return protocolErrorf("subscription action must be subscribe or unsubscribe")
	}
	return nil
}

// DecodeMessage parses one inbound frame. Every failure is a *ProtocolError.
func DecodeMessage(raw []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocolErrorf("invalid JSON")
	}

	var msg Message
	switch env.Type {
	case TypeBuildStart:
		msg = &BuildStart{}
	case TypeBuildUpdate:
		msg = &BuildUpdate{}
	case TypeBuildComplete:
		msg = &BuildComplete{}
	case TypeBuildQuery:
		msg = &BuildQuery{}
	case TypeSubscription:
		msg = &Subscription{}
	case "":
		return nil, protocolErrorf("missing message type")
	default:
		return nil, protocolErrorf(fmt.Sprintf("unknown message type %q", env.Type))
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, protocolErrorf("invalid " + env.Type + " payload")
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeMessage renders an inbound message with its type discriminator,
// for clients sending to the server.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(msg.Type())
	return json.Marshal(fields)
}

type BuildEvent struct {
	Type  string     `json:"type"`
	Build BuildState `json:"build"`
}

type BuildResponse struct {
	Type  string     `json:"type"`
	Build BuildState `json:"build"`
}

type BuildListResponse struct {
	Type       string       `json:"type"`
	Repository string       `json:"repository"`
	Builds     []BuildState `json:"builds"`
}

type SubscriptionResponse struct {
	Type          string   `json:"type"`
	Repository    string   `json:"repository"`
	Action        string   `json:"action"`
	Subscriptions []string `json:"subscriptions"`
}

type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Envelope is the client-side view of any server frame.
type Envelope struct {
	Type          string       `json:"type"`
	Build         *BuildState  `json:"build,omitempty"`
	Builds        []BuildState `json:"builds,omitempty"`
	Repository    string       `json:"repository,omitempty"`
	Action        string       `json:"action,omitempty"`
	Subscriptions []string     `json:"subscriptions,omitempty"`
	Message       string       `json:"message,omitempty"`
	Code          string       `json:"code,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = append(json.RawMessage(nil), raw...)
	return env, nil
}
