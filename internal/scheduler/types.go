// Package scheduler runs the monitoring loop and the retention sweep.
//
// The Scheduler keeps an in-memory set of active jobs, re-synchronised from
// the configuration store on every tick, and fires each job once per
// boundary. Cross-process exclusion comes from a per-firing claim in the
// store, so any number of scheduler processes may run against one database.
//
// Services accept a `now` parameter for deterministic testing and manual
// backfill via MaintenancePayload.ReferenceTime.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge
// event delivered to the sweeper Lambda.
type TaskType string

const (
	TaskRetentionSweep TaskType = "retention_sweep"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the sweeper
// Lambda function.
//
//	{
//	  "task": "retention_sweep",
//	  "reference_time": "2026-02-06T00:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual invocation. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
