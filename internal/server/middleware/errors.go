package middleware

import (
	"net"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/faucetdb/spigot/internal/model"
)

// writeError writes the standard error envelope. The handler package has its
// own copy; importing it here would create a cycle.
func writeError(w http.ResponseWriter, status int, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: details},
	})
}

// ClientOrigin returns the client address of r without the port. RealIP runs
// earlier in the chain, so proxy headers are already folded into RemoteAddr.
func ClientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
