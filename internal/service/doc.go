/*
Package service wires the trajectory cache together.

New builds each component exactly once from config.Components: the metrics
collector, the persistent record store over the configured backend, the
version store, access analytics, the Entry Store (with the version store as
its durability tier), the pattern detector, the prediction engine, the
integrity verifier, the migration engine, the memory sampler and the job
scheduler. Components receive references to their collaborators; there are no
package-level singletons.

Start runs the background side: Entry Store cleanup, memory sampling, the
metrics endpoint and the scheduled jobs (analysis, compaction, integrity).
RunAnalysis is the tuning pipeline those jobs drive:

	patterns.Tick -> prediction.PredictAccess -> prediction.Forecast
	  -> analytics + prediction recommendations -> cache.ApplyRecommendations

Close stops everything, flushes pending write-behind values and releases the
store.
*/
package service
