// Package protocol defines the wire messages exchanged between the voice platform,
// the gateway and devices.
//
// Directives flow platform → gateway → device, events flow device → gateway →
// platform. Devices talk to the gateway over a websocket using JSON text frames.
package protocol

import (
	"encoding/json"
	"time"
)

// Header is shared by directives and events.
type Header struct {
	Namespace        string `json:"namespace"`
	Name             string `json:"name"`
	MessageID        string `json:"messageId,omitempty"`
	PayloadVersion   string `json:"payloadVersion,omitempty"`
	CorrelationToken string `json:"correlationToken,omitempty"`
}

// Scope carries the bearer token the platform attaches to an endpoint.
type Scope struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Endpoint addresses a single device.
type Endpoint struct {
	EndpointID string          `json:"endpointId"`
	Scope      *Scope          `json:"scope,omitempty"`
	Cookie     json.RawMessage `json:"cookie,omitempty"`
}

// --- Platform → gateway → device ---

// Directive is a command or query from the voice platform.
type Directive struct {
	Header   Header          `json:"header"`
	Endpoint *Endpoint       `json:"endpoint,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DirectiveRequest wraps a directive. The gateway stamps RequestID and
// RequestTime before forwarding it to devices.
type DirectiveRequest struct {
	Directive   Directive `json:"directive"`
	RequestID   string    `json:"requestId,omitempty"`
	RequestTime string    `json:"requestTime,omitempty"`
}

// InboundDirective is the HTTP body posted by the ingress adapter. Older adapters
// post the directive request at the top level instead of under "request".
type InboundDirective struct {
	Request   *DirectiveRequest `json:"request,omitempty"`
	Directive *Directive        `json:"directive,omitempty"`
}

// Unwrap returns the directive request carried by the body, or nil.
func (in InboundDirective) Unwrap() *DirectiveRequest {
	if in.Request != nil {
		return in.Request
	}
	if in.Directive != nil {
		return &DirectiveRequest{Directive: *in.Directive}
	}
	return nil
}

// Stamp returns a copy of the request tagged with a request identifier and time.
func (r DirectiveRequest) Stamp(requestID string, at time.Time) DirectiveRequest {
	r.RequestID = requestID
	r.RequestTime = at.UTC().Format(RequestTimeLayout)
	return r
}

// RequestTimeLayout is ISO-8601 with millisecond precision.
const RequestTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// AuthorizationPayload is the payload of an AcceptGrant directive.
type AuthorizationPayload struct {
	Grant struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"grant"`
	Grantee struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	} `json:"grantee"`
}

// --- Gateway → platform ---

// Event is a response or report sent to the voice platform.
type Event struct {
	Header   Header          `json:"header"`
	Endpoint *Endpoint       `json:"endpoint,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// EventResponse is the body returned to the ingress adapter.
type EventResponse struct {
	Event Event `json:"event"`
}

// DiscoveryPayload is the payload of a Discover.Response event.
type DiscoveryPayload struct {
	Endpoints []json.RawMessage `json:"endpoints"`
}

// --- Device → gateway ---

// EventRequest is an unsolicited event raised by a device.
type EventRequest struct {
	Context json.RawMessage `json:"context,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// DeviceMessage is any frame a device sends. Exactly one of the two shapes is
// meaningful: a correlated reply (RequestID + Response) or an event (Request).
type DeviceMessage struct {
	RequestID string          `json:"requestId,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Request   *EventRequest   `json:"request,omitempty"`
}

// IsReply reports whether the message answers a gateway request.
func (m DeviceMessage) IsReply() bool {
	return m.RequestID != ""
}

// IsEvent reports whether the message is an unsolicited event with both a context
// and an event body.
func (m DeviceMessage) IsEvent() bool {
	return m.Request != nil && len(m.Request.Context) > 0 && m.Request.Event != nil
}
