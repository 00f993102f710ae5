package handler

import (
	"log/slog"
	"net/http"

	"github.com/faucetdb/spigot/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI 3.1 document of the HTTP API.
type OpenAPIHandler struct {
	version string
	logger  *slog.Logger
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(version string, logger *slog.Logger) *OpenAPIHandler {
	return &OpenAPIHandler{version: version, logger: logger}
}

// ServeSpec returns the document with the server URL taken from the request.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	doc := openapi.GenerateSpec(baseURL(r), h.version)
	data, err := doc.MarshalJSON()
	if err != nil {
		h.logger.Error("marshal openapi document", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
