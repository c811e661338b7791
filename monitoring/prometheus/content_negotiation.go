package prometheus

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/golang/gddo/httputil"
	"github.com/pkg/errors"
)

const (
	contentTypePlainText = "text/plain"
	contentTypeJSON      = "application/json"
)

// jsonEnvelope wraps handler output for clients that negotiated JSON.
type jsonEnvelope struct {
	Err  string      `json:"error"`
	Data interface{} `json:"data"`
}

// negotiateContentType picks the response encoding from the Accept header.
// Plain text is the default so curl and uptime probes stay readable.
func negotiateContentType(r *http.Request) string {
	return httputil.NegotiateContentType(r, []string{contentTypePlainText, contentTypeJSON}, contentTypePlainText)
}

// writeResponse renders data in the negotiated encoding. Plain-text callers
// supply a bytes.Buffer; anything else must be JSON-encodable.
func writeResponse(w http.ResponseWriter, contentType string, data interface{}) error {
	if contentType == contentTypeJSON {
		return json.NewEncoder(w).Encode(jsonEnvelope{Data: data})
	}
	buf, ok := data.(bytes.Buffer)
	if !ok {
		return errors.Errorf("plain-text response requires a buffer, got %T", data)
	}
	_, err := w.Write(buf.Bytes())
	return errors.Wrap(err, "could not write response body")
}
