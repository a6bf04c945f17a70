// errors.go translates domain errors to HTTP per spec §7's propagation
// policy: NotFound->404, StateConflict->409, ValidationError->400,
// InternalError->500, all carrying a {msg} body. Unexpected errors are also
// appended to internal_error_log. Grounded on applications/jam/http.go's
// writeError, generalized from jam's ad hoc status switch to
// errors.GetHTTPStatus/GetServiceError.
package httpapi

import (
	"context"
	"net/http"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/errorlog"
)

type errorMessage struct {
	Msg string `json:"msg"`
}

// writeError renders err as the spec's {msg} envelope at the right HTTP
// status, and for errors with no ServiceError in their chain (i.e.
// unexpected server-side failures) records them to internal_error_log.
func writeError(w http.ResponseWriter, r *http.Request, log *errorlog.Writer, err error) {
	status := svcerrors.GetHTTPStatus(err)
	if svcerrors.GetServiceError(err) == nil {
		_ = log.Write(context.Background(), "unhandled", err.Error(), "", userFromContext(r.Context()), r.URL.Path)
	}
	writeBody(w, r, status, errorMessage{Msg: err.Error()})
}
