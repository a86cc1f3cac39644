// Package protocol defines the messages exchanged between the host-side
// controller and the worker-side shim. The tag values and JSON field names are
// the wire contract: both ends of the boundary evolve independently, so they
// must match verbatim.
package protocol

// Type is the discriminator carried in every message's "type" field.
type Type string

const (
	TypeAbort        Type = "abort"
	TypeBodyChunk    Type = "bodyChunk"
	TypeBodyClose    Type = "bodyClose"
	TypeBodyError    Type = "bodyError"
	TypeFetch        Type = "fetch"
	TypeImport       Type = "import"
	TypeInit         Type = "init"
	TypeInternalLog  Type = "internalLog"
	TypeLoaded       Type = "loaded"
	TypeLog          Type = "log"
	TypeReady        Type = "ready"
	TypeRespond      Type = "respond"
	TypeRespondError Type = "respondError"
)

// SubType tells which logical stream a body message belongs to when a request
// body and a response body share one request id.
type SubType string

const (
	SubTypeRequest  SubType = "request"
	SubTypeResponse SubType = "response"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

// Init configures the shim. It is the first message the controller sends.
type Init struct {
	Env             map[string]string `json:"env"`
	HasFetchHandler bool              `json:"hasFetchHandler"`
}

// Ready is sent by the shim once its environment is installed.
type Ready struct{}

// Import tells the shim which script to load. Code holds the bundled
// artifact when the controller bundled the entry module itself.
type Import struct {
	Specifier string `json:"specifier"`
	Code      string `json:"code,omitempty"`
}

// Loaded is sent by the shim once the script ran without a top-level error.
type Loaded struct{}

// Fetch starts a request exchange. ID is unique per sender.
type Fetch struct {
	ID   int         `json:"id"`
	Init RequestInit `json:"init"`
}

// RequestInit is the serialized request descriptor carried by Fetch.
type RequestInit struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Headers  [][2]string `json:"headers"`
	Body     *Body       `json:"body,omitempty"`
	SignalID int         `json:"signalId,omitempty"`
}

// BodyKind says how a request body was encoded. A nil Body means no body.
type BodyKind string

const (
	// BodyCloned is a fully materialized buffer carried inline.
	BodyCloned BodyKind = "cloned"
	// BodyURLSearchParams is a list of form pairs.
	BodyURLSearchParams BodyKind = "urlsearchparams"
	// BodyStream is a live stream delivered as bodyChunk messages with
	// subType "request".
	BodyStream BodyKind = "stream"
)

// Body is the encoded request body.
type Body struct {
	Kind  BodyKind    `json:"kind"`
	Data  []byte      `json:"data,omitempty"`
	Pairs [][2]string `json:"pairs,omitempty"`
}

// Respond carries the status and headers of a response. Body bytes follow as
// bodyChunk messages with subType "response" when HasBody is set.
type Respond struct {
	ID         int         `json:"id"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Headers    [][2]string `json:"headers"`
	HasBody    bool        `json:"hasBody"`
}

// RespondError settles an exchange with a failure.
type RespondError struct {
	ID    int       `json:"id"`
	Error ErrorInfo `json:"error"`
}

// BodyChunk is one chunk of a streamed body.
type BodyChunk struct {
	ID      int     `json:"id"`
	SubType SubType `json:"subType"`
	Chunk   []byte  `json:"chunk"`
}

// BodyClose terminates a streamed body normally.
type BodyClose struct {
	ID      int     `json:"id"`
	SubType SubType `json:"subType"`
}

// BodyError terminates a streamed body with a failure.
type BodyError struct {
	ID      int       `json:"id"`
	SubType SubType   `json:"subType"`
	Error   ErrorInfo `json:"error"`
}

// Abort fires the remote abort controller registered under ID (a signal id).
type Abort struct {
	ID int `json:"id"`
}

// Log carries one line of user console output.
type Log struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// InternalLog carries a shim diagnostic.
type InternalLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Init) MessageType() Type         { return TypeInit }
func (Ready) MessageType() Type        { return TypeReady }
func (Import) MessageType() Type       { return TypeImport }
func (Loaded) MessageType() Type       { return TypeLoaded }
func (Fetch) MessageType() Type        { return TypeFetch }
func (Respond) MessageType() Type      { return TypeRespond }
func (RespondError) MessageType() Type { return TypeRespondError }
func (BodyChunk) MessageType() Type    { return TypeBodyChunk }
func (BodyClose) MessageType() Type    { return TypeBodyClose }
func (BodyError) MessageType() Type    { return TypeBodyError }
func (Abort) MessageType() Type        { return TypeAbort }
func (Log) MessageType() Type          { return TypeLog }
func (InternalLog) MessageType() Type  { return TypeInternalLog }
