package internalapi

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	rpprof "runtime/pprof"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/server"
)

// Prof serves the runtime profiles under /prof/.
type Prof struct {
	handlers map[string]http.HandlerFunc
}

var _ server.ChildServer = &Prof{}

// NewProf returns the profile server.
// When contentionRate is positive, the mutex and block profiles are enabled with the rate.
// The signer round trip and the lock of the common name show up in them.
func NewProf(contentionRate int) *Prof {
	if contentionRate > 0 {
		runtime.SetMutexProfileFraction(contentionRate)
		runtime.SetBlockProfileRate(contentionRate)
		logger.Log.Debug("Contention profiles are enabled", zap.Int("rate", contentionRate))
	}

	return &Prof{
		handlers: map[string]http.HandlerFunc{
			"cmdline": pprof.Cmdline,
			"profile": pprof.Profile,
			"symbol":  pprof.Symbol,
			"trace":   pprof.Trace,
		},
	}
}

func (p *Prof) Route(mux *httprouter.Router) {
	mux.GET("/prof/", p.index)
	mux.GET("/prof/:name", p.profile)
}

func (p *Prof) index(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	var b strings.Builder
	for _, v := range rpprof.Profiles() {
		b.WriteString(v.Name())
		b.WriteByte('\n')
	}
	for _, v := range []string{"cmdline", "profile", "symbol", "trace"} {
		b.WriteString(v)
		b.WriteByte('\n')
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(b.String()))
}

func (p *Prof) profile(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	if h, ok := p.handlers[name]; ok {
		h(w, req)
		return
	}
	if rpprof.Lookup(name) == nil {
		http.NotFound(w, req)
		return
	}

	pprof.Handler(name).ServeHTTP(w, req)
}
