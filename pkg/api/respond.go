package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON renders v with the given status. Encode failures at this
// point cannot be reported to the client; the connection just closes.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
