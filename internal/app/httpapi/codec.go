// codec.go implements spec §6's transport requirement: bodies are JSON or
// MsgPack, selectable per connection via Content-Type/Accept. Grounded on
// the shape of applications/jam/http.go's writeJSON helper, generalized to
// negotiate an encoding instead of always emitting JSON.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgPack = "application/msgpack"

// decodeBody reads and decodes a request body per its Content-Type, defaulting
// to JSON when the header is absent or unrecognized.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if isMsgPack(r.Header.Get("Content-Type")) {
		return msgpack.Unmarshal(body, dst)
	}
	return json.Unmarshal(body, dst)
}

// writeBody encodes payload per the request's Accept header, defaulting to
// JSON, and writes it with the given HTTP status.
func writeBody(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if isMsgPack(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", mimeMsgPack)
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		_ = enc.Encode(payload)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isMsgPack(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "msgpack")
}
