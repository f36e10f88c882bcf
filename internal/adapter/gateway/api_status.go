package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"leadflow/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/status.
type StatusResponse struct {
	Service   ServiceStatus    `json:"service"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Turns     TurnCounters     `json:"turns"`
	Pipeline  map[string]int   `json:"pipeline,omitempty"`
	Costs     *CostStatus      `json:"costs_24h,omitempty"`
	EventFeed FeedStatus       `json:"event_feed"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ProviderStatus reports one provider's circuit breaker.
type ProviderStatus struct {
	Name                string `json:"name"`
	Breaker             string `json:"breaker"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
}

// TurnCounters holds running totals since process start.
type TurnCounters struct {
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Failovers      int64 `json:"failovers"`
	HandoffBounces int64 `json:"handoff_bounces"`
	Qualified      int64 `json:"qualified"`
	Appointments   int64 `json:"appointments"`
}

// CostStatus aggregates provider-call accounting over the reporting window.
type CostStatus struct {
	Calls            int64 `json:"calls"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Errors           int64 `json:"errors"`
}

// FeedStatus reports the websocket event feed.
type FeedStatus struct {
	Clients int `json:"clients"`
}

// StatusDeps supplies the live numbers behind the status API. Nil funcs
// leave their section out of the response.
type StatusDeps struct {
	Version  string
	Breakers func() []ProviderStatus
	Pipeline func(context.Context) (map[domain.PipelineStage]int, error)
	Costs    func(context.Context) (*CostStatus, error)
}

// metrics tracks bus-derived counters for the status API.
type metrics struct {
	turnsCompleted atomic.Int64
	turnsFailed    atomic.Int64
	failovers      atomic.Int64
	handoffBounces atomic.Int64
	qualified      atomic.Int64
	appointments   atomic.Int64
}

func newMetrics(bus domain.EventBus) *metrics {
	m := &metrics{}
	if bus == nil {
		return m
	}
	count := func(t domain.EventType, c *atomic.Int64) {
		bus.Subscribe(t, func(context.Context, domain.Event) { c.Add(1) })
	}
	count(domain.EventTurnCompleted, &m.turnsCompleted)
	count(domain.EventTurnFailed, &m.turnsFailed)
	count(domain.EventProviderFailover, &m.failovers)
	count(domain.EventHandoffBounce, &m.handoffBounces)
	count(domain.EventLeadQualified, &m.qualified)
	count(domain.EventAppointmentSet, &m.appointments)
	return m
}

func statusHandler(s *Server, deps StatusDeps, startTime time.Time) http.Handler {
	m := newMetrics(s.bus)
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "leadflow",
				Version:       version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Turns: TurnCounters{
				Completed:      m.turnsCompleted.Load(),
				Failed:         m.turnsFailed.Load(),
				Failovers:      m.failovers.Load(),
				HandoffBounces: m.handoffBounces.Load(),
				Qualified:      m.qualified.Load(),
				Appointments:   m.appointments.Load(),
			},
			EventFeed: FeedStatus{Clients: s.FeedClients()},
		}

		if deps.Breakers != nil {
			resp.Providers = deps.Breakers()
		}
		if deps.Pipeline != nil {
			if counts, err := deps.Pipeline(r.Context()); err == nil {
				resp.Pipeline = make(map[string]int, len(counts))
				for stage, n := range counts {
					resp.Pipeline[string(stage)] = n
				}
			}
		}
		if deps.Costs != nil {
			if costs, err := deps.Costs(r.Context()); err == nil {
				resp.Costs = costs
			}
		}

		writeJSON(w, http.StatusOK, resp)
	})
}
