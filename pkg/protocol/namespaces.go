package protocol

// Directive namespaces with dedicated dispatch.
const (
	NamespaceAuthorization = "Alexa.Authorization"
	NamespaceDiscovery     = "Alexa.Discovery"
	NamespaceAlexa         = "Alexa"
)

// Event names produced by the gateway itself.
const (
	NameAcceptGrantResponse = "AcceptGrant.Response"
	NameDiscoverResponse    = "Discover.Response"
	NameResponse            = "Response"
	NameChangeReport        = "ChangeReport"
)

// PayloadVersion is the only payload version the gateway emits.
const PayloadVersion = "3"

// ScopeBearerToken is the scope type attached to relayed events.
const ScopeBearerToken = "BearerToken"

// responseSuffix keeps the response message id correlated with the request.
const responseSuffix = "r"

// ResponseMessageID derives the message id of a gateway-built response.
func ResponseMessageID(requestMessageID string) string {
	return requestMessageID + responseSuffix
}
