/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/utils/logging"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// renderError translates a taxonomy error into the shared envelope. Anything
// untyped is wrapped as internal so the envelope shape holds everywhere.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	typed, ok := errors.As(err)
	if !ok {
		typed = errors.Internal(err)
	}
	if typed.HTTPStatus() >= 500 {
		logging.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, typed.HTTPStatus(), typed.Envelope(requestID(r.Context())))
}

// decodeJSON decodes a request body, rejecting unknown garbage with a
// validation envelope.
func decodeJSON(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return errors.Validation("malformed JSON body: %s", err)
	}
	return nil
}
