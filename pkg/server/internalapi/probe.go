package internalapi

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/server"
)

const readinessTimeout = 3 * time.Second

type Probe struct {
	readinessFn func(ctx context.Context) bool
}

var _ server.ChildServer = &Probe{}

// NewProbe returns the probe. fn reports whether the signer can be reached.
func NewProbe(fn func(ctx context.Context) bool) *Probe {
	return &Probe{readinessFn: fn}
}

func (p *Probe) Route(mux *httprouter.Router) {
	mux.GET("/liveness", p.Liveness)
	mux.GET("/readiness", p.Readiness)
}

func (p *Probe) Liveness(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {}

func (p *Probe) Readiness(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
	defer cancel()

	if !p.readinessFn(ctx) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
