package hostrelay

import "fmt"

// HTTPError is returned by a ManagementClient operation that failed. It
// mirrors the discriminants described in spec §6.1: a connection-level
// failure, a non-2xx HTTP response, or an authorization failure.
type HTTPError struct {
	// Kind discriminates the failure shape.
	Kind HTTPErrorKind
	// StatusCode is set when Kind is HTTPErrorResponse.
	StatusCode int
	// URL is the request URL, when known.
	URL string
	// RequestID is a server-assigned correlation id, when present.
	RequestID string
	// Message is a human-readable description.
	Message string
	// Err is the underlying error, when Kind is HTTPErrorConnection.
	Err error
}

// HTTPErrorKind discriminates the shape of an HTTPError.
type HTTPErrorKind int

const (
	// HTTPErrorConnection indicates the request never got a response
	// (dial/timeout/transport failure).
	HTTPErrorConnection HTTPErrorKind = iota
	// HTTPErrorResponse indicates the server returned a non-success status.
	HTTPErrorResponse
	// HTTPErrorAuthorization indicates the server rejected the bearer
	// token/credentials.
	HTTPErrorAuthorization
)

func (e *HTTPError) Error() string {
	switch e.Kind {
	case HTTPErrorResponse:
		return fmt.Sprintf("management request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Message)
	case HTTPErrorAuthorization:
		return fmt.Sprintf("management request authorization failed: %s", e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("management request connection error: %s", e.Err)
		}
		return fmt.Sprintf("management request connection error: %s", e.Message)
	}
}

func (e *HTTPError) Unwrap() error { return e.Err }

// TunnelError is the error taxonomy returned by HostRelay and RelayHandle
// operations (spec §7).
type TunnelError struct {
	// Kind discriminates which failure this is.
	Kind TunnelErrorKind
	// Reason is a short static tag describing which operation failed, for
	// HTTPError-wrapping kinds (e.g. "failed to add port to tunnel").
	Reason string
	// Port is set for PortAlreadyExists.
	Port uint32
	// Detail carries free-form text for MissingHostEndpoint/InvalidHostEndpoint.
	Detail string
	// Err is the wrapped underlying error, when any.
	Err error
}

// TunnelErrorKind discriminates the shape of a TunnelError.
type TunnelErrorKind int

const (
	// TunnelErrorHTTP wraps a failed management-client call.
	TunnelErrorHTTP TunnelErrorKind = iota
	// TunnelErrorRelayDisconnected indicates the outer SSH transport ended
	// in error.
	TunnelErrorRelayDisconnected
	// TunnelErrorMissingHostEndpoint indicates the endpoint response had no
	// host_relay_uri.
	TunnelErrorMissingHostEndpoint
	// TunnelErrorInvalidHostEndpoint indicates URL parsing or request
	// building failed.
	TunnelErrorInvalidHostEndpoint
	// TunnelErrorWebSocket indicates a WebSocket dial/handshake/frame error.
	TunnelErrorWebSocket
	// TunnelErrorPortAlreadyExists indicates the caller tried to add a port
	// that is already in the desired-port map.
	TunnelErrorPortAlreadyExists
)

func (e *TunnelError) Error() string {
	switch e.Kind {
	case TunnelErrorHTTP:
		return fmt.Sprintf("%s: %s", e.Reason, e.Err)
	case TunnelErrorRelayDisconnected:
		return fmt.Sprintf("tunnel relay disconnected: %s", e.Err)
	case TunnelErrorMissingHostEndpoint:
		return "tunnel relay endpoint response did not include a host relay URI"
	case TunnelErrorInvalidHostEndpoint:
		return fmt.Sprintf("invalid tunnel relay endpoint: %s", e.Detail)
	case TunnelErrorWebSocket:
		return fmt.Sprintf("websocket error: %s", e.Err)
	case TunnelErrorPortAlreadyExists:
		return fmt.Sprintf("port %d already exists in desired port set", e.Port)
	default:
		return "unknown tunnel error"
	}
}

func (e *TunnelError) Unwrap() error { return e.Err }

func newHTTPTunnelError(reason string, err error) *TunnelError {
	return &TunnelError{Kind: TunnelErrorHTTP, Reason: reason, Err: err}
}

func newRelayDisconnectedError(err error) *TunnelError {
	return &TunnelError{Kind: TunnelErrorRelayDisconnected, Err: err}
}

func newWebSocketError(err error) *TunnelError {
	return &TunnelError{Kind: TunnelErrorWebSocket, Err: err}
}

func newPortAlreadyExistsError(port uint32) *TunnelError {
	return &TunnelError{Kind: TunnelErrorPortAlreadyExists, Port: port}
}
