package aigateway

// cannedDefaults are the conservative answers returned when the sampler
// skips a call and the response cache has nothing. Always the do-nothing
// option for the caller's domain.
var cannedDefaults = map[AgentType]string{
	AgentTypeMarketRegime:       `{"regime":"UNKNOWN","confidence":0.0,"reasoning":"sampled out, no cached analysis"}`,
	AgentTypeSignalValidator:    `{"approved":false,"confidence":0.0,"reasoning":"sampled out, defaulting to reject"}`,
	AgentTypeAnomalyDetector:    `{"anomaly":"NO_ANOMALY","severity":"NONE","reasoning":"sampled out"}`,
	AgentTypeRiskMonitor:        `{"risk_level":"NORMAL","reasoning":"sampled out"}`,
	AgentTypePortfolioOptimizer: `{"action":"HOLD","reasoning":"sampled out, keeping current allocation"}`,
	AgentTypeStrategy:           `{"action":"HOLD","confidence":0.0,"reasoning":"sampled out"}`,
}

// defaultFor returns the canned answer for an agent type
func defaultFor(agentType AgentType) (string, bool) {
	d, ok := cannedDefaults[agentType]
	return d, ok
}
