package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/prismgate/prismgate/internal/metrics"
	autherrors "github.com/prismgate/prismgate/pkg/errors"
)

// Severity grades a budget alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityExceeded Severity = "exceeded"
)

// Alert is one budget threshold crossing, soft or hard. SoftBudget is set
// for warnings, MaxBudget for exceeded budgets.
type Alert struct {
	Scope      autherrors.BudgetScope `json:"scope"`
	SubjectID  string                 `json:"subject_id"`
	Spend      float64                `json:"spend"`
	SoftBudget float64                `json:"soft_budget,omitempty"`
	MaxBudget  float64                `json:"max_budget,omitempty"`
	Severity   Severity               `json:"severity"`
	Time       time.Time              `json:"time"`
}

// Dispatcher delivers budget alerts to a webhook off the request path. The
// queue is bounded; when it is full the alert is dropped with a warning,
// never blocking an authentication pass.
type Dispatcher struct {
	queue      chan Alert
	webhookURL string
	client     *http.Client
	logger     *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// DispatcherConfig configures alert delivery.
type DispatcherConfig struct {
	QueueSize  int
	WebhookURL string
	Timeout    time.Duration
}

// NewDispatcher creates and starts a dispatcher. Close flushes the queue.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		queue:      make(chan Alert, cfg.QueueSize),
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		done:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Fire enqueues an alert. Never blocks.
func (d *Dispatcher) Fire(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	metrics.BudgetAlerts.WithLabelValues(string(a.Scope), string(a.Severity)).Inc()
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("alert queue full, dropping alert",
			"scope", a.Scope, "subject", a.SubjectID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case a := <-d.queue:
			d.deliver(a)
		case <-d.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case a := <-d.queue:
					d.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(a Alert) {
	if d.webhookURL == "" {
		d.logger.Warn("budget alert",
			"scope", a.Scope, "subject", a.SubjectID, "spend", a.Spend,
			"soft_budget", a.SoftBudget, "max_budget", a.MaxBudget,
			"severity", a.Severity)
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("alert marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("alert request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("alert delivery failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Warn("alert webhook rejected", "status", resp.StatusCode)
	}
}

// Close stops the dispatcher after draining queued alerts.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
