package internal

import (
	"context"
	"net/http"

	"gitsync/pkg/reposync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gitsync_sync_runs_total",
		Help: "Repository sync runs by service and result.",
	}, []string{"service", "result"})
	reposReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gitsync_repos_reconciled_total",
		Help: "Repositories upserted during sync.",
	}, []string{"service"})
	reposDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gitsync_repos_marked_deleted_total",
		Help: "Repositories soft-deleted because the provider no longer lists them.",
	}, []string{"service"})
	botResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gitsync_bot_resolutions_total",
		Help: "Credential selections by the step that supplied them.",
	}, []string{"source"})
)

func init() {
	registry.MustRegister(syncRuns, reposReconciled, reposDeleted, botResolutions)
}

func IncSyncRun(service, result string) {
	syncRuns.WithLabelValues(service, result).Inc()
}

func AddReposReconciled(service string, n int) {
	reposReconciled.WithLabelValues(service).Add(float64(n))
}

func AddReposDeleted(service string, n int64) {
	reposDeleted.WithLabelValues(service).Add(float64(n))
}

func IncBotResolution(source string) {
	botResolutions.WithLabelValues(source).Inc()
}

// MetricsHandler serves the gitsync registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SyncListener records run outcomes and repository counts for every sync.
func SyncListener() reposync.Listener {
	return reposync.Listener{
		OnFinish: func(ctx context.Context, req reposync.Request, summary reposync.Summary, err error) {
			service := summary.Service
			if service == "" {
				service = "unknown"
			}
			IncSyncRun(service, syncResult(err))
			if summary.ReposReconciled > 0 {
				AddReposReconciled(service, summary.ReposReconciled)
			}
			if summary.ReposDeleted > 0 {
				AddReposDeleted(service, summary.ReposDeleted)
			}
		},
	}
}

func syncResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case reposync.IsTerminal(err):
		return "terminal"
	default:
		return "error"
	}
}
