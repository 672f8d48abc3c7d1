package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inheritsync_forwards_total",
		Help: "Source changes copied into a dependent field.",
	})
	breaksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inheritsync_breaks_total",
		Help: "Dependent fields detached from their source by a direct edit.",
	})
	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inheritsync_restores_total",
		Help: "Restore transitions by outcome.",
	}, []string{"outcome"})
	loadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inheritsync_load_failures_total",
		Help: "Field initialisations that failed, by reason.",
	}, []string{"reason"})
	persistWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inheritsync_persist_writes_total",
		Help: "Field contents written to the backing store.",
	})
	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inheritsync_persist_failures_total",
		Help: "Failed backing store writes; the field stays dirty.",
	})
	persistSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inheritsync_persist_skipped_total",
		Help: "Dirty fields whose content matched the last persisted value.",
	})

	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_connections",
		Help: "Open editor connections.",
	})
	fieldsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_fields",
		Help: "Fields with an in-memory replica.",
	})
	edgesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_inheritance_edges",
		Help: "Installed dependent to source edges.",
	})
	sourcesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_inheritance_sources",
		Help: "Fields with at least one dependent.",
	})
	locksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_transition_locks",
		Help: "Fields currently breaking, initialising or restoring.",
	})
	dirtyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_dirty_fields",
		Help: "Fields waiting for the persistence scheduler.",
	})
	cacheGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inheritsync_lookup_cache_entries",
		Help: "Cached inheritance lookups.",
	})
)

func (s Stats) export() {
	connectionsGauge.Set(float64(s.Connections))
	fieldsGauge.Set(float64(s.Fields))
	edgesGauge.Set(float64(s.Edges))
	sourcesGauge.Set(float64(s.Sources))
	locksGauge.Set(float64(s.Locks))
	dirtyGauge.Set(float64(s.Dirty))
	cacheGauge.Set(float64(s.CachedLookups))
}
