// Package httpapi exposes the record execution engine over HTTP, per
// spec §6's external interfaces. Routing is built on go-chi/chi/v5, chosen
// over the donor's unused gin-gonic/gin dependency (see DESIGN.md).
// Grounded on applications/jam/http.go's handler shape (thin authorize/rate
// gates, writeJSON/writeError, discriminated bulk responses), translated
// from jam's bespoke ServeMux into chi routes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qcfractal/fractal-core/internal/app/dispatcher"
	"github.com/qcfractal/fractal-core/internal/app/errorlog"
	"github.com/qcfractal/fractal-core/internal/app/managers"
	"github.com/qcfractal/fractal-core/internal/app/records"
	"github.com/qcfractal/fractal-core/internal/app/services/motd"
	"github.com/qcfractal/fractal-core/internal/config"
	"github.com/qcfractal/fractal-core/pkg/logger"
)

// Deps bundles everything the HTTP layer is wired against.
type Deps struct {
	Records    *records.Service
	Dispatcher *dispatcher.Dispatcher
	Managers   *managers.Registry
	Motd       *motd.Store
	ErrorLog   *errorlog.Writer
	Config     *config.Config
	Log        *logger.Logger
}

// NewRouter builds the full HTTP handler tree.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logger.NewDefault("httpapi")
	}
	if d.ErrorLog == nil {
		d.ErrorLog = errorlog.New(nil)
	}
	h := &handler{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(recoverer(d.ErrorLog))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.healthz)
	r.Get("/api/v1/information", h.information)
	r.Post("/api/v1/admin/motd", h.setMotd)

	r.Group(func(r chi.Router) {
		r.Use(requireBearerAuth(d.Config.Auth.JWTSecret))

		r.Post("/compute/v1/managers", h.activateManager)
		r.Patch("/compute/v1/managers/{fullname}", h.updateManager)
		r.Post("/compute/v1/tasks/claim", h.claimTasks)
		r.Post("/compute/v1/tasks/return", h.returnTasks)

		r.Post("/api/v1/records/{type}", h.addRecords)
		r.Patch("/api/v1/records", h.modifyRecords)
		r.Post("/api/v1/records/query", h.queryRecords)
	})

	return r
}

type handler struct {
	deps Deps
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeBody(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
