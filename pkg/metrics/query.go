package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ChannelStats aggregates recorded series for one channel.
type ChannelStats struct {
	ChannelID      string  `json:"channel_id"`
	TasksCreated   int64   `json:"tasks_created"`
	TasksCompleted int64   `json:"tasks_completed"`
	EventsDropped  int64   `json:"events_dropped"`
	DropRate       float64 `json:"drop_rate"`
}

// QueryService reads coordinator metrics back from a Prometheus server.
// Backs the /statsz/channel endpoint when prometheus_url is configured.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query %q: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

// GetChannelStats aggregates task throughput and forwarding drops for a
// channel.
func (q *QueryService) GetChannelStats(ctx context.Context, channelID string) (*ChannelStats, error) {
	stats := &ChannelStats{ChannelID: channelID}

	created, err := q.scalar(ctx, fmt.Sprintf(`sum(tasks_created_total{channel_id=%q})`, channelID))
	if err != nil {
		return nil, err
	}
	stats.TasksCreated = created

	completed, err := q.scalar(ctx, `sum(tasks_completed_total{outcome="completed"})`)
	if err != nil {
		return nil, err
	}
	stats.TasksCompleted = completed

	dropped, err := q.scalar(ctx, `sum(forward_events_dropped_total)`)
	if err != nil {
		return nil, err
	}
	stats.EventsDropped = dropped

	delivered, err := q.scalar(ctx, `sum(forward_events_delivered_total)`)
	if err != nil {
		return nil, err
	}
	if total := delivered + dropped; total > 0 {
		stats.DropRate = float64(dropped) / float64(total)
	}
	return stats, nil
}
