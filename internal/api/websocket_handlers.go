package api

import (
	"net/http"
)

// HandleDocumentWebSocket upgrades to the collaboration protocol. On
// /ws/documents/{id} the connection joins that document immediately.
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
