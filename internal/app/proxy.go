package app

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"api-guard/internal/common/logging"
)

// upstreamHandler returns the handler admitted requests reach: a reverse
// proxy to the configured origin, or a stub when no origin is set (useful
// for trying the gate in isolation).
func (app *App) upstreamHandler() (http.Handler, error) {
	if app.Config.UpstreamURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}), nil
	}

	target, err := url.Parse(app.Config.UpstreamURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		app.Logger.Error("upstream request failed", err,
			logging.String("path", r.URL.Path))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable","code":"UPSTREAM_UNAVAILABLE"}`))
	}

	app.Logger.Info("proxying admitted traffic", logging.String("upstream", target.String()))
	return proxy, nil
}
