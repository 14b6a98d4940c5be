package sync

// Recommendation is a cadence hint for callers; the engine does not enforce it
type Recommendation struct {
	IntervalMinutes int  `json:"sync_interval_minutes"`
	BatchSize       int  `json:"batch_size"`
	UseIncremental  bool `json:"use_incremental"`
	EnableRealTime  bool `json:"enable_real_time"`
}

type volumeTier struct {
	above    int
	interval int
	batch    int
}

// ordered from highest volume down; the last tier catches everything else
var volumeTiers = []volumeTier{
	{above: 500, interval: 1, batch: 100},
	{above: 100, interval: 2, batch: 50},
	{above: 20, interval: 5, batch: 25},
	{above: -1, interval: 15, batch: 10},
}

// RecommendStrategy derives cadence from capabilities and observed daily volume.
// Batch size grows and interval shrinks with volume, capped by MaxBatchSize.
func RecommendStrategy(caps Capabilities, messageVolume int) Recommendation {
	tier := volumeTiers[len(volumeTiers)-1]
	for _, t := range volumeTiers {
		if messageVolume > t.above {
			tier = t
			break
		}
	}
	batch := tier.batch
	if caps.MaxBatchSize > 0 && batch > caps.MaxBatchSize {
		batch = caps.MaxBatchSize
	}
	return Recommendation{
		IntervalMinutes: tier.interval,
		BatchSize:       batch,
		UseIncremental:  caps.IncrementalSyncStrategy.Valid(),
		EnableRealTime:  caps.RealTimeUpdates && messageVolume > 100,
	}
}
