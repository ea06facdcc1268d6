package rpc

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/zkmpc/coordinator/config/params"
	"github.com/zkmpc/coordinator/coordinator/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errorEnvelope is the wire form of a coded failure.
type errorEnvelope struct {
	Error struct {
		Code    api.Code `json:"code"`
		Message string   `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := api.CodeOf(err)
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = err.Error()
	if code == api.Internal {
		// Internal details stay in the logs.
		env.Error.Message = "internal error"
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, api.HTTPStatus(code), env)
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return api.Errorf(api.InvalidInput, "request body required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return api.Errorf(api.InvalidInput, "malformed request body: %v", err)
	}
	return nil
}

// identity extracts the authenticated caller id, failing UNAUTHENTICATED
// when the header is absent.
func identity(r *http.Request) (string, error) {
	id := r.Header.Get(identityHeader)
	if id == "" {
		return "", api.Errorf(api.Unauthenticated, "no identity on call")
	}
	return id, nil
}

// coordinatorIdentity extracts the caller id and requires the coordinator
// capability, failing FORBIDDEN for everyone else.
func coordinatorIdentity(r *http.Request) (string, error) {
	id, err := identity(r)
	if err != nil {
		return "", err
	}
	if !params.Get().IsCoordinator(id) {
		return "", api.Errorf(api.Forbidden, "caller %s lacks the coordinator capability", id)
	}
	return id, nil
}
