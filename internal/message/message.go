// Package message defines the wire message shapes that flow between
// agents, the channel-set, and channels: a discriminated Message type
// covering the kinds BlazeDS remoting and messaging exchange, and the
// header keys channels and the channel-set recognize.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the shape of a Message's kind-specific fields.
type Kind int

const (
	KindAsync Kind = iota
	KindAcknowledge
	KindCommand
	KindError
	KindRemoting
	KindHTTPRequest
)

func (k Kind) String() string {
	switch k {
	case KindAsync:
		return "async"
	case KindAcknowledge:
		return "acknowledge"
	case KindCommand:
		return "command"
	case KindError:
		return "error"
	case KindRemoting:
		return "remoting"
	case KindHTTPRequest:
		return "http-request"
	default:
		return "unknown"
	}
}

// CommandOperation enumerates the Command message operation codes.
type CommandOperation int

const (
	OpSubscribe      CommandOperation = 0
	OpUnsubscribe    CommandOperation = 1
	OpPoll           CommandOperation = 2
	OpPing           CommandOperation = 5
	OpTriggerConnect CommandOperation = 7
	OpLogin          CommandOperation = 8
	OpLogout         CommandOperation = 9
	OpClusterRequest CommandOperation = 11
	OpDisconnect     CommandOperation = 12
)

// Header keys recognized on the wire.
const (
	HeaderDSId                  = "DSId"
	HeaderDSMessagingVersion    = "DSMessagingVersion"
	HeaderDSNeedsConfig         = "DSNeedsConfig"
	HeaderDSPollWait            = "DSPollWait"
	HeaderDSNoOpPoll            = "DSNoOpPoll"
	HeaderDSSubtopic            = "DSSubtopic"
	HeaderDSHeartbeat           = "DSHeartbeat"
	HeaderDSStatusCode          = "DSStatusCode"
	HeaderDSErrorHint           = "DSErrorHint"
	HeaderDSRetryableErrorHint  = "DSRetryableErrorHint"
	HeaderDSCredsCharset        = "DSCredsCharset"
)

// Message is the discriminated wire message type. Common
// attributes apply to every Kind; the kind-specific fields below are
// populated only for their corresponding Kind (Command*, Fault*,
// HTTP*).
type Message struct {
	Kind Kind

	MessageID     string
	CorrelationID string
	Timestamp     time.Time
	TimeToLive    time.Duration
	ClientID      string
	Destination   string
	Headers       map[string]any
	Body          any

	// Command fields (Kind == KindCommand).
	Operation CommandOperation

	// Error fields (Kind == KindError).
	FaultCode    string
	FaultString  string
	FaultDetail  string
	RootCause    error
	ExtendedData map[string]any

	// HTTPRequest fields (Kind == KindHTTPRequest).
	URL         string
	Method      string
	ContentType string
	HTTPHeaders map[string]string
}

// New creates a Message of the given kind with a fresh UUID message id
// and the current timestamp.
func New(kind Kind) *Message {
	return &Message{
		Kind:      kind,
		MessageID: uuid.NewString(),
		Timestamp: time.Now(),
		Headers:   make(map[string]any),
	}
}

// NewCommand creates a Command message for the given operation.
func NewCommand(op CommandOperation) *Message {
	m := New(KindCommand)
	m.Operation = op
	return m
}

// Header returns the value of header key, and whether it was present.
func (m *Message) Header(key string) (any, bool) {
	if m.Headers == nil {
		return nil, false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header value, creating the header map if necessary.
func (m *Message) SetHeader(key string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[key] = value
}

// Acknowledge builds an Acknowledge message correlated to m, the
// standard reply shape for a successfully processed Command or Async
// message.
func (m *Message) Acknowledge() *Message {
	ack := New(KindAcknowledge)
	ack.CorrelationID = m.MessageID
	ack.ClientID = m.ClientID
	ack.Destination = m.Destination
	return ack
}

// Fault builds an Error message correlated to m.
func (m *Message) Fault(code, str, detail string) *Message {
	f := New(KindError)
	f.CorrelationID = m.MessageID
	f.ClientID = m.ClientID
	f.Destination = m.Destination
	f.FaultCode = code
	f.FaultString = str
	f.FaultDetail = detail
	return f
}
