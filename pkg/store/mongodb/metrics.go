package mongodb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opSet        = "set"
	opDelete     = "delete"
	opBulkDelete = "bulk_delete"
)

var (
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enmap_mongo_writes_total",
			Help: "Outbound store writes issued, by operation.",
		},
		[]string{"operation"},
	)
	writeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enmap_mongo_write_errors_total",
			Help: "Fire-and-forget store writes that failed, by operation.",
		},
		[]string{"operation"},
	)
	changeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enmap_mongo_change_events_total",
			Help: "Change stream events applied to the container, by type.",
		},
		[]string{"type"},
	)
	hydratedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enmap_mongo_hydrated_records_total",
			Help: "Records loaded into the container during hydration.",
		},
	)
)
