// managers.go implements /compute/v1/managers and its update endpoint
// (spec §6 endpoint table). Grounded on applications/jam/http.go's
// packagesHandler decode-then-delegate shape.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/domain/manager"
)

// nameData is the manager-name triple described in spec §6's "Manager name
// format": "{cluster}-{hostname}-{uuid}".
type nameData struct {
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	UUID     string `json:"uuid"`
}

func (n nameData) fullName() string {
	if n.UUID == "" {
		return manager.NewName(n.Cluster, n.Hostname)
	}
	return n.Cluster + "-" + n.Hostname + "-" + n.UUID
}

type managerActivationBody struct {
	NameData      nameData          `json:"name_data"`
	ManagerVersion string           `json:"manager_version"`
	Programs      map[string]string `json:"programs"`
	Tags          []string          `json:"tags"`
	Username      string            `json:"username,omitempty"`
}

func (h *handler) activateManager(w http.ResponseWriter, r *http.Request) {
	var body managerActivationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	if body.NameData.Cluster == "" || body.NameData.Hostname == "" {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("name_data", "cluster and hostname are required"))
		return
	}

	m := manager.Manager{
		Name:     body.NameData.fullName(),
		Cluster:  body.NameData.Cluster,
		Hostname: body.NameData.Hostname,
		Username: body.Username,
		Tags:     manager.NormalizeTags(body.Tags),
		Programs: manager.NormalizePrograms(body.Programs),
		Status:   manager.StatusActive,
	}
	activated, err := h.deps.Managers.Activate(r.Context(), m)
	if err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	writeBody(w, r, http.StatusCreated, map[string]any{"id": activated.ID, "name": activated.Name})
}

type managerUpdateBody struct {
	Status   *manager.Status  `json:"status,omitempty"`
	Counters manager.Counters `json:"counters"`
	Gauges   manager.Gauges   `json:"gauges"`
}

func (h *handler) updateManager(w http.ResponseWriter, r *http.Request) {
	fullname := chi.URLParam(r, "fullname")
	var body managerUpdateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	if _, err := h.deps.Managers.Heartbeat(r.Context(), fullname, body.Status, body.Counters, body.Gauges); err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
