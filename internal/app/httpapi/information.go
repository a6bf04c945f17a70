// information.go implements GET /api/v1/information (spec §6) and the
// supplemented admin motd endpoint (SPEC_FULL.md §3).
package httpapi

import (
	"net/http"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
)

type versionLimitsPayload struct {
	ClientVersionLowerLimit string `json:"client_version_lower_limit"`
	ClientVersionUpperLimit string `json:"client_version_upper_limit"`
	QueryLimit              int    `json:"query_limit"`
	MaxBatchSize            int    `json:"max_batch_size"`
	ManagerHeartbeatFrequencySeconds float64 `json:"manager_heartbeat_frequency"`
	ManagerHeartbeatMaxMissed        int     `json:"manager_heartbeat_max_missed"`
}

func (h *handler) information(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	payload := map[string]any{
		"version_limits": versionLimitsPayload{
			ClientVersionLowerLimit:          cfg.VersionLimits.ClientVersionLowerLimit,
			ClientVersionUpperLimit:          cfg.VersionLimits.ClientVersionUpperLimit,
			QueryLimit:                       cfg.Dispatcher.QueryLimit,
			MaxBatchSize:                     cfg.VersionLimits.MaxBatchSize,
			ManagerHeartbeatFrequencySeconds: cfg.Manager.HeartbeatFrequency.Seconds(),
			ManagerHeartbeatMaxMissed:        cfg.Manager.HeartbeatMaxMissed,
		},
		"api_limits": map[string]int{
			"claim_batch_max": cfg.Dispatcher.ClaimBatchMax,
			"query_limit":     cfg.Dispatcher.QueryLimit,
		},
		"motd": h.deps.Motd.Get(),
	}
	writeBody(w, r, http.StatusOK, payload)
}

type setMotdBody struct {
	Text string `json:"text"`
}

func (h *handler) setMotd(w http.ResponseWriter, r *http.Request) {
	var body setMotdBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	h.deps.Motd.Set(body.Text)
	w.WriteHeader(http.StatusNoContent)
}
