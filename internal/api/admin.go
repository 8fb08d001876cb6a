package api

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Thinh-nguyen-03/gatekeep/internal/config"
	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
	"github.com/Thinh-nguyen-03/gatekeep/internal/route"
)

// admin serves the built-in operational routes. They live in the same route
// table as application routes and pass admission like any other route.
// The dispatcher is attached after the table is compiled and before the
// server accepts requests.
type admin struct {
	started    time.Time
	dispatcher *dispatch.Dispatcher
	reloader   *Reloader
}

func (a *admin) register(b *route.Builder[dispatch.Handler], cfg config.AdminRoutesConfig) {
	if cfg.EnableInfo {
		b.Get("/info", a.handleInfo)
		b.Get("/metrics", a.handleMetrics)
		b.Get("/health", a.handleHealth)
		b.Get("/ping", a.handlePing)
	}
	if cfg.EnableUnsafe {
		b.Post("/admin/reload", a.handleReload)
		b.Post("/admin/gc", a.handleGC)
	}
}

// GET /info
func (a *admin) handleInfo(req *dispatch.Request) (*dispatch.Response, error) {
	cfg := a.reloader.Current()
	dc := a.dispatcher.Context()

	routes := dc.Routes().Routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, rt := range routes {
		info := RouteInfo{Key: rt.Key(), CORS: rt.CORS}
		if rates, ok := rt.Limit(); ok {
			info.Rates = rates.String()
		}
		infos = append(infos, info)
	}

	return req.OK(InfoResponse{
		Version:            Version,
		StartedAt:          a.started,
		ConfigFile:         a.reloader.ConfigFile(),
		DefaultContentType: dc.Negotiator().DefaultType(),
		MediaTypes:         dc.Negotiator().MediaTypes(),
		GlobalRates:        cfg.GlobalRates.String(),
		Routes:             infos,
		Overrides:          a.dispatcher.Limiter().OverrideCount(),
		BlackListEnabled:   cfg.Access.EnableBlackList,
		WhiteListEnabled:   cfg.Access.EnableWhiteList,
		CORSEnabled:        cfg.CORS.Enabled,
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		Workers:            cfg.WorkerThreadCount,
	})
}

// GET /metrics
func (a *admin) handleMetrics(req *dispatch.Request) (*dispatch.Response, error) {
	return req.OK(a.dispatcher.Context().Metrics().Snapshot())
}

// GET /health
func (a *admin) handleHealth(req *dispatch.Request) (*dispatch.Response, error) {
	return req.OK(HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
	})
}

// GET /ping
func (a *admin) handlePing(*dispatch.Request) (*dispatch.Response, error) {
	return dispatch.Text(http.StatusOK, "pong"), nil
}

// POST /admin/reload
func (a *admin) handleReload(req *dispatch.Request) (*dispatch.Response, error) {
	if _, err := a.reloader.Reload(); err != nil {
		return nil, dispatch.NewAPIError("reload_failed", err.Error(), http.StatusInternalServerError)
	}
	return req.OK(ReloadResponse{
		Reloaded:   true,
		ConfigFile: a.reloader.ConfigFile(),
		Overrides:  a.dispatcher.Limiter().OverrideCount(),
	})
}

// POST /admin/gc
func (a *admin) handleGC(req *dispatch.Request) (*dispatch.Response, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	return req.OK(GCResponse{
		HeapBefore: humanize.IBytes(before.HeapAlloc),
		HeapAfter:  humanize.IBytes(after.HeapAlloc),
		Goroutines: runtime.NumGoroutine(),
	})
}
