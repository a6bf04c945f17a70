// tasks.go implements /compute/v1/tasks/claim and /compute/v1/tasks/return
// (spec §4.3/§4.4), delegating to the Dispatcher service layer.
package httpapi

import (
	"net/http"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
)

type taskClaimBody struct {
	NameData nameData          `json:"name_data"`
	Programs map[string]string `json:"programs"`
	Tags     []string          `json:"tags"`
	Limit    int               `json:"limit"`
}

func (h *handler) claimTasks(w http.ResponseWriter, r *http.Request) {
	var body taskClaimBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	claimed, err := h.deps.Dispatcher.Claim(r.Context(), body.NameData.fullName(), body.Programs, body.Tags, body.Limit)
	if err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	writeBody(w, r, http.StatusOK, claimed)
}

type taskReturnBody struct {
	NameData nameData                          `json:"name_data"`
	Results  map[int64]storage.ResultPayload   `json:"results"`
}

func (h *handler) returnTasks(w http.ResponseWriter, r *http.Request) {
	var body taskReturnBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	meta, err := h.deps.Dispatcher.Return(r.Context(), body.NameData.fullName(), body.Results)
	if err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	writeBody(w, r, http.StatusOK, meta)
}
