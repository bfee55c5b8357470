package server

import (
	"errors"
	"net/http"

	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/selector"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/tunnel"
)

// statusForError maps a failure on the client path to the HTTP status sent
// back and a low-cardinality reason used for metrics.
func statusForError(err error) (status int, reason string) {
	switch {
	case errors.Is(err, targeting.ErrMalformedCredential):
		return http.StatusProxyAuthRequired, "bad_credential"
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusProxyAuthRequired, "invalid_key"
	case errors.Is(err, selector.ErrSessionTargetingConflict):
		return http.StatusProxyAuthRequired, "session_conflict"
	case errors.Is(err, selector.ErrNoAvailableNode):
		return http.StatusBadGateway, "no_available_node"
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, correlator.ErrCanceled):
		return 0, "canceled"
	case errors.Is(err, correlator.ErrTransport), errors.Is(err, tunnel.ErrRemoteClosed):
		return http.StatusBadGateway, "transport"
	case errors.Is(err, correlator.ErrNodeError):
		return http.StatusBadGateway, "node_error"
	}
	return http.StatusBadGateway, "internal"
}

func authHeader(realm string) http.Header {
	return http.Header{"Proxy-Authenticate": []string{`Basic realm="` + realm + `"`}}
}
