package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"controlplane/internal/apierr"
)

// decodeClosedJSON decodes r's body into v, rejecting unknown fields, per
// the closed request-schema contract in §7.
func decodeClosedJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return apierr.Validation("request body required")
		}
		return apierr.Validation("malformed request body: " + err.Error())
	}
	return nil
}

// writeError maps err's apierr.Kind onto an HTTP status and writes a
// single-line, client-safe JSON body. Internal causes are never exposed.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal("internal error", err)
	}
	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case apierr.KindValidation:
		status = http.StatusBadRequest
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindPrecondition:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
