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

// generatedResponse carries a health payload in whichever shape the
// negotiated content type needs: a rendered text buffer or a JSON-encodable
// value.
type generatedResponse struct {
	Err  string      `json:"error"`
	Data interface{} `json:"data"`
}

// negotiateContentType picks the response format from the Accept header,
// defaulting to plain text for curl and probe callers.
func negotiateContentType(r *http.Request) string {
	return httputil.NegotiateContentType(r,
		[]string{contentTypePlainText, contentTypeJSON}, contentTypePlainText)
}

// writeResponse renders the payload for the negotiated content type.
func writeResponse(w http.ResponseWriter, r *http.Request, response generatedResponse) error {
	switch negotiateContentType(r) {
	case contentTypePlainText:
		buf, ok := response.Data.(bytes.Buffer)
		if !ok {
			return errors.Errorf("unexpected plain text payload: %v", response.Data)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return errors.Wrap(err, "could not write response body")
		}
	case contentTypeJSON:
		w.Header().Set("Content-Type", contentTypeJSON)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			return errors.Wrap(err, "could not encode response")
		}
	}
	return nil
}
