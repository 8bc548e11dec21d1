package degradation

// Feature names a degradable capability.
type Feature string

const (
	FeatureEventReplay         Feature = "event-replay"
	FeatureCrossInstanceFanout Feature = "cross-instance-fanout"
	FeatureRichPayloads        Feature = "rich-payloads"
	FeatureRealtimeConnections Feature = "realtime-connections"
	FeatureDeliveryMetrics     Feature = "delivery-metrics"
)

// Strategy names one fallback of a feature.
type Strategy string

const (
	StrategyLimitReplay     Strategy = "limit-replay"
	StrategyRecentOnly      Strategy = "recent-only"
	StrategySkipReplay      Strategy = "skip-replay"
	StrategyBatch           Strategy = "batch"
	StrategyRedisOnly       Strategy = "redis-only"
	StrategyLocalOnly       Strategy = "local-only"
	StrategySimplify        Strategy = "simplify"
	StrategyStripData       Strategy = "strip-data"
	StrategyTitleOnly       Strategy = "title-only"
	StrategyReduceHeartbeat Strategy = "reduce-heartbeat"
	StrategyLimitPerUser    Strategy = "limit-per-user"
	StrategyRejectNew       Strategy = "reject-new"
	StrategySample          Strategy = "sample"
	StrategyAggregate       Strategy = "aggregate"
	StrategyDisable         Strategy = "disable"
)

// FeatureSpec registers a feature. Strategies run from mildest to most drastic.
type FeatureSpec struct {
	Name       Feature    `json:"name"`
	Priority   int        `json:"priority"`
	Strategies []Strategy `json:"strategies"`
}

// DefaultFeatures returns the built-in features.
func DefaultFeatures() []FeatureSpec {
	return []FeatureSpec{
		{Name: FeatureEventReplay, Priority: 6, Strategies: []Strategy{StrategyLimitReplay, StrategyRecentOnly, StrategySkipReplay}},
		{Name: FeatureCrossInstanceFanout, Priority: 5, Strategies: []Strategy{StrategyBatch, StrategyRedisOnly, StrategyLocalOnly}},
		{Name: FeatureRichPayloads, Priority: 3, Strategies: []Strategy{StrategySimplify, StrategyStripData, StrategyTitleOnly}},
		{Name: FeatureRealtimeConnections, Priority: 9, Strategies: []Strategy{StrategyReduceHeartbeat, StrategyLimitPerUser, StrategyRejectNew}},
		{Name: FeatureDeliveryMetrics, Priority: 2, Strategies: []Strategy{StrategySample, StrategyAggregate, StrategyDisable}},
	}
}

// strategyFor picks the fallback of f at level l. CRITICAL takes the last
// strategy and each level below steps one back, stopping at the first.
func strategyFor(f FeatureSpec, l Level) (Strategy, bool) {
	if l == Normal || len(f.Strategies) == 0 || f.Priority > degradeThreshold(l) {
		return "", false
	}
	idx := len(f.Strategies) - 1 - int(Critical-l)
	if idx < 0 {
		idx = 0
	}
	return f.Strategies[idx], true
}
