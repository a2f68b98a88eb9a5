// Package webhooks posts task outcome events to configured HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// EventType represents the type of event that triggered the webhook
type EventType string

const (
	EventTaskDone    EventType = "task.done"
	EventTaskFailed  EventType = "task.failed"
	EventTaskBlocked EventType = "task.blocked"
)

// EventForOutcome maps a run outcome to its event
func EventForOutcome(o types.Outcome) EventType {
	switch o {
	case types.OutcomeDone:
		return EventTaskDone
	case types.OutcomeBlocked:
		return EventTaskBlocked
	}
	return EventTaskFailed
}

// Webhook represents a configured webhook endpoint
type Webhook struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"` // HMAC secret for verification
	Events  []EventType       `json:"events"`           // empty means every event
	Headers map[string]string `json:"headers,omitempty"`
}

// Payload represents the webhook payload sent to endpoints
type Payload struct {
	Event      EventType     `json:"event"`
	Timestamp  int64         `json:"timestamp"`
	WebhookID  string        `json:"webhook_id"`
	DeliveryID string        `json:"delivery_id"`
	Task       TaskEventData `json:"task"`
}

// TaskEventData describes the task a run finished with
type TaskEventData struct {
	Issue   int    `json:"issue"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// DeliveryResult represents the result of a webhook delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type delivery struct {
	webhook *Webhook
	payload *Payload
}

// Options configures a Manager
type Options struct {
	Timeout     time.Duration // per request, default 30s
	QueueSize   int           // default 100
	HistorySize int           // default 100
	Logger      *log.Logger
}

// Manager fans outcome events out to registered webhooks through a small
// pool of delivery workers
type Manager struct {
	mu       sync.RWMutex
	webhooks []*Webhook
	closed   bool
	started  bool

	logger   *log.Logger
	client   *http.Client
	delivery chan delivery
	wg       sync.WaitGroup

	// Delivery history (circular buffer)
	historyMu   sync.Mutex
	history     []*DeliveryResult
	historySize int
	historyPos  int
}

// NewManager creates a new webhook manager
func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		logger:      opts.Logger.WithPrefix("webhooks"),
		client:      &http.Client{Timeout: opts.Timeout},
		delivery:    make(chan delivery, opts.QueueSize),
		history:     make([]*DeliveryResult, 0, opts.HistorySize),
		historySize: opts.HistorySize,
	}
}

// Register adds a webhook. A missing ID is generated.
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.URL == "" {
		return errors.New("webhook URL is required")
	}
	if webhook.ID == "" {
		webhook.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, webhook)
	m.logger.Debug("registered webhook", "id", webhook.ID, "url", webhook.URL)
	return nil
}

// Len returns how many webhooks are registered
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.webhooks)
}

// Start begins processing webhook deliveries
func (m *Manager) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	m.logger.Debug("starting delivery workers", "workers", workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Stop refuses new events and waits for queued deliveries to drain
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.delivery)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskFinished emits the event for a finished run
func (m *Manager) TaskFinished(_ context.Context, task *types.Task, outcome types.Outcome, runErr error) {
	data := TaskEventData{
		Issue:   task.ID,
		Title:   task.Title,
		URL:     task.URL,
		Repo:    task.Repo,
		Branch:  task.Branch,
		Stage:   string(task.Stage),
		Outcome: string(outcome),
	}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	m.Emit(EventForOutcome(outcome), data)
}

// Emit queues an event for every subscribed webhook. Events are dropped
// when the queue is full or the manager is stopped.
func (m *Manager) Emit(event EventType, data TaskEventData) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	for _, webhook := range m.webhooks {
		if !subscribed(webhook, event) {
			continue
		}

		payload := &Payload{
			Event:      event,
			Timestamp:  time.Now().Unix(),
			WebhookID:  webhook.ID,
			DeliveryID: uuid.NewString(),
			Task:       data,
		}

		select {
		case m.delivery <- delivery{webhook: webhook, payload: payload}:
		default:
			m.logger.Warn("delivery queue full, dropping event", "webhook", webhook.ID, "event", event)
		}
	}
}

// History returns up to limit recent delivery results, oldest first
func (m *Manager) History(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]*DeliveryResult, limit)
	if limit == 0 {
		return result
	}
	start := (m.historyPos - limit + n) % n
	for i := 0; i < limit; i++ {
		result[i] = m.history[(start+i)%n]
	}
	return result
}

// subscribed reports whether a webhook wants an event
func subscribed(webhook *Webhook, event EventType) bool {
	return len(webhook.Events) == 0 || slices.Contains(webhook.Events, event)
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for d := range m.delivery {
		m.deliver(d)
	}
}

// deliver sends a webhook payload to its endpoint
func (m *Manager) deliver(d delivery) {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  d.webhook.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
		Timestamp:  start.Unix(),
	}
	defer m.record(result)

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		m.logger.Error("webhook delivery", "webhook", d.webhook.ID, "error", result.Error)
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("creating request: %v", err)
		m.logger.Error("webhook delivery", "webhook", d.webhook.ID, "error", result.Error)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Conveyor-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", d.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", d.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", d.payload.Timestamp))
	req.Header.Set("X-Webhook-Event", string(d.payload.Event))
	for k, v := range d.webhook.Headers {
		req.Header.Set(k, v)
	}
	if d.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, d.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.logger.Warn("webhook delivery failed", "event", d.payload.Event, "url", d.webhook.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()

	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Warn("webhook delivery failed", "event", d.payload.Event, "url", d.webhook.URL, "status", resp.StatusCode)
		return
	}
	m.logger.Debug("webhook delivered", "event", d.payload.Event, "url", d.webhook.URL, "status", resp.StatusCode, "ms", result.DurationMS)
}

// record adds a delivery result to the history buffer
func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
		m.historyPos = len(m.history) % m.historySize
		return
	}
	m.history[m.historyPos] = result
	m.historyPos = (m.historyPos + 1) % m.historySize
}

// VerifySignature checks an X-Webhook-Signature value (without the
// sha256= prefix) against the payload
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := sign(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
