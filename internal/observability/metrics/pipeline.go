package metrics

// Pipeline is the metrics surface the answer pipeline records against. The
// nil receiver is a no-op so packages can be tested without a registry.
type Pipeline struct {
	service string
	metrics *Metrics
}

func (m *Metrics) Pipeline(service string) *Pipeline {
	return &Pipeline{service: service, metrics: m}
}

func (p *Pipeline) AnswerCompleted(outcome string, seconds float64) {
	if p == nil {
		return
	}
	p.metrics.answersTotal.WithLabelValues(p.service, outcome).Inc()
	p.metrics.answerDuration.WithLabelValues(p.service).Observe(seconds)
}

func (p *Pipeline) CacheLookup(cache string, hit bool) {
	if p == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.metrics.cacheLookupsTotal.WithLabelValues(p.service, cache, result).Inc()
}

func (p *Pipeline) FallbackSearch() {
	if p == nil {
		return
	}
	p.metrics.fallbackTotal.WithLabelValues(p.service).Inc()
}

func (p *Pipeline) QuotaRejected() {
	if p == nil {
		return
	}
	p.metrics.quotaRejectsTotal.WithLabelValues(p.service).Inc()
}

func (p *Pipeline) RetrievedChunks(count int) {
	if p == nil {
		return
	}
	p.metrics.retrievedChunks.WithLabelValues(p.service).Observe(float64(count))
}

func (p *Pipeline) Tokens(prompt, completion int64) {
	if p == nil {
		return
	}
	if prompt > 0 {
		p.metrics.llmTokensTotal.WithLabelValues(p.service, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		p.metrics.llmTokensTotal.WithLabelValues(p.service, "completion").Add(float64(completion))
	}
}
