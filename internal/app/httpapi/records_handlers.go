// records_handlers.go implements the record store's HTTP surface (spec §6):
// add, modify, and query, all delegating to the records.Service layer so the
// query-limit ceiling and cascade-delete rules apply uniformly.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	svcerrors "github.com/qcfractal/fractal-core/infrastructure/errors"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/domain/record"
	"github.com/qcfractal/fractal-core/internal/domain/spec"
)

type addRecordsBody struct {
	OwnerUser        string             `json:"owner_user,omitempty"`
	OwnerGroup       string             `json:"owner_group,omitempty"`
	Specification    spec.Specification `json:"specification"`
	Molecules        []spec.Molecule    `json:"molecules"`
	ExtraKeywords    map[string]any     `json:"extra_keywords,omitempty"`
	Tag              string             `json:"tag"`
	Priority         record.Priority    `json:"priority"`
	RequiredPrograms []string           `json:"required_programs"`
	Function         string             `json:"function"`
	FunctionKwargs   map[string]any     `json:"function_kwargs,omitempty"`
	FindExisting     bool               `json:"find_existing"`
}

func (h *handler) addRecords(w http.ResponseWriter, r *http.Request) {
	recordType := chi.URLParam(r, "type")

	var items []addRecordsBody
	if err := decodeBody(r, &items); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	if len(items) == 0 {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", "at least one record is required"))
		return
	}

	newRecords := make([]storage.NewRecord, 0, len(items))
	for _, item := range items {
		newRecords = append(newRecords, storage.NewRecord{
			RecordType:       recordType,
			OwnerUser:        item.OwnerUser,
			OwnerGroup:       item.OwnerGroup,
			Specification:    item.Specification,
			Molecules:        item.Molecules,
			ExtraKeywords:    item.ExtraKeywords,
			Tag:              item.Tag,
			Priority:         item.Priority,
			RequiredPrograms: item.RequiredPrograms,
			Function:         item.Function,
			FunctionKwargs:   item.FunctionKwargs,
			FindExistingSvc:  item.FindExisting,
		})
	}

	results, err := h.deps.Records.Add(r.Context(), newRecords)
	if err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}

	ids := make([]int64, len(results))
	for i, res := range results {
		ids[i] = res.ID
	}
	writeBody(w, r, http.StatusOK, map[string]any{"meta": results, "data": ids})
}

type recordModifyBody struct {
	IDs       []int64         `json:"ids"`
	Status    *record.Status  `json:"status,omitempty"`
	Priority  *record.Priority `json:"priority,omitempty"`
	Tag       *string         `json:"tag,omitempty"`
	DeleteTag bool            `json:"delete_tag"`
}

func (h *handler) modifyRecords(w http.ResponseWriter, r *http.Request) {
	var body recordModifyBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	patch := storage.ModifyPatch{
		Status:    body.Status,
		Priority:  body.Priority,
		Tag:       body.Tag,
		DeleteTag: body.DeleteTag,
	}
	if err := h.deps.Records.Modify(r.Context(), body.IDs, patch); err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{"updated": len(body.IDs)})
}

type recordQueryBody struct {
	IDs            []int64             `json:"ids"`
	Include        storage.GetIncludes `json:"include"`
	MissingOK      bool                `json:"missing_ok"`
}

func (h *handler) queryRecords(w http.ResponseWriter, r *http.Request) {
	var body recordQueryBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.deps.ErrorLog, svcerrors.Validation("body", err.Error()))
		return
	}
	recs, err := h.deps.Records.Get(r.Context(), body.IDs, body.Include, body.MissingOK)
	if err != nil {
		writeError(w, r, h.deps.ErrorLog, err)
		return
	}
	writeBody(w, r, http.StatusOK, recs)
}
