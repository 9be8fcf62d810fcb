package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/store"
)

// HandlePrometheusMetrics exports active integration counts in Prometheus text format
func HandlePrometheusMetrics(registry *providers.Registry, tokens store.TokenStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := make(map[string]int)
		for _, pt := range registry.Types() {
			list, err := tokens.ListActiveByType(r.Context(), pt)
			if err != nil {
				logger.Error("metrics: failed to count integrations", zap.String("provider", string(pt)), zap.Error(err))
				http.Error(w, "Failed to collect metrics", http.StatusInternalServerError)
				return
			}
			counts[string(pt)] = len(list)
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintln(w, "# HELP pulsebox_integrations_active Active integrations per provider")
		fmt.Fprintln(w, "# TYPE pulsebox_integrations_active gauge")
		for _, pt := range registry.Types() {
			fmt.Fprintf(w, "pulsebox_integrations_active{provider=%q} %d\n", string(pt), counts[string(pt)])
		}
	}
}
