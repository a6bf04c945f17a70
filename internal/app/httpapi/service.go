// service.go fits the HTTP API into the system manager lifecycle, grounded
// on the donor's internal/app/httpapi/service.go Start/Stop shape.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/qcfractal/fractal-core/internal/app/system"
	"github.com/qcfractal/fractal-core/pkg/logger"
)

// Service exposes NewRouter's handler tree as a lifecycle-managed component.
type Service struct {
	addr    string
	handler http.Handler
	log     *logger.Logger
	server  *http.Server
}

var _ system.Service = (*Service)(nil)

// NewHTTPService builds a Service bound to addr, serving Deps' router.
func NewHTTPService(addr string, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Service{
		addr:    addr,
		handler: NewRouter(deps),
		log:     log,
	}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("httpapi: server error")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
