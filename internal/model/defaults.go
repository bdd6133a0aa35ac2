package model

import "time"

// Shared defaults used by the server entrypoint and components.
const (
	DefaultFlushInterval     = 30 * time.Second
	DefaultFlushMaxPatterns  = 200
	DefaultSampleCap         = 5
	DefaultDetectorInterval  = 15 * time.Second
	DefaultDetectorBatchSize = 50
	DefaultPollInterval      = 2 * time.Second
	DefaultWorkerCount       = 4
	DefaultEventPriority     = 5
	DefaultDetectorPriority  = 3
)
