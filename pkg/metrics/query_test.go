package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPrometheus answers the query API with a fixed value per series.
func stubPrometheus(t *testing.T, values map[string]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v1/query") {
			http.NotFound(w, r)
			return
		}
		query := r.FormValue("query")
		value := 0
		for series, v := range values {
			if strings.Contains(query, series) {
				value = v
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1693000000,"%d"]}]}}`, value)
	}))
}

func TestGetChannelStats(t *testing.T) {
	srv := stubPrometheus(t, map[string]int{
		"tasks_created_total":            7,
		"tasks_completed_total":          5,
		"forward_events_dropped_total":   2,
		"forward_events_delivered_total": 8,
	})
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	stats, err := qs.GetChannelStats(context.Background(), "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", stats.ChannelID)
	assert.Equal(t, int64(7), stats.TasksCreated)
	assert.Equal(t, int64(5), stats.TasksCompleted)
	assert.Equal(t, int64(2), stats.EventsDropped)
	assert.InDelta(t, 0.2, stats.DropRate, 1e-9)
}

func TestGetChannelStatsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	stats, err := qs.GetChannelStats(context.Background(), "ch-2")
	require.NoError(t, err)
	assert.Zero(t, stats.TasksCreated)
	assert.Zero(t, stats.DropRate)
}

func TestGetChannelStatsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	qs, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	_, err = qs.GetChannelStats(context.Background(), "ch-3")
	assert.Error(t, err)
}
