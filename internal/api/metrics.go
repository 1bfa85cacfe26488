package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// MetricsCollector renders queue counts as Prometheus text exposition
// format. No Prometheus client library appears anywhere in the example
// pack, so the format is produced by hand; see DESIGN.md.
type MetricsCollector struct {
	q *queue.Queue

	mu       sync.Mutex
	cached   string
	refresh  rate.Sometimes
}

// NewMetricsCollector builds a collector that refreshes its snapshot at
// most once per interval, so a burst of scrapes doesn't hammer the queue.
func NewMetricsCollector(q *queue.Queue, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		q:       q,
		refresh: rate.Sometimes{Interval: interval},
	}
}

// Handler returns a gin.HandlerFunc serving the current snapshot.
func (m *MetricsCollector) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := m.render()
		if err != nil {
			c.String(http.StatusInternalServerError, "# failed to collect metrics: %v\n", err)
			return
		}
		c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(body))
	}
}

func (m *MetricsCollector) render() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var renderErr error
	m.refresh.Do(func() {
		counts, err := m.q.CountByStatus()
		if err != nil {
			renderErr = err
			return
		}

		var b strings.Builder
		b.WriteString("# HELP palantir_jobs_total Jobs currently in each lifecycle status.\n")
		b.WriteString("# TYPE palantir_jobs_total gauge\n")
		for _, status := range []models.Status{
			models.StatusPending, models.StatusProcessing,
			models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
		} {
			fmt.Fprintf(&b, "palantir_jobs_total{status=%q} %d\n", strings.ToLower(string(status)), counts[status])
		}
		m.cached = b.String()
	})
	if renderErr != nil {
		return "", renderErr
	}
	if m.cached == "" {
		// first call landed inside Do but CountByStatus returned nothing yet
		return "", fmt.Errorf("metrics not yet available")
	}
	return m.cached, nil
}
