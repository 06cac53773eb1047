// Package notify pushes block events to external webhooks so operators
// hear about sustained abuse without tailing logs.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Config holds webhook notification settings.
type Config struct {
	Enabled     bool     `json:"enabled"`
	URLs        []string `json:"urls"`
	MinSeverity string   `json:"min_severity"` // info, warning, critical
	Timeout     int      `json:"timeout"`      // seconds
	MaxRetries  int      `json:"max_retries"`
}

// Event is the generic JSON payload posted to every configured URL.
type Event struct {
	Timestamp     string `json:"timestamp"`
	Severity      string `json:"severity"`
	Guard         string `json:"guard"`
	Client        string `json:"client"`
	Reason        string `json:"reason"`
	RetryAfterSec int    `json:"retry_after_sec"`
	Message       string `json:"message"`
}

// Notifier delivers events asynchronously with bounded retries.
type Notifier struct {
	config Config
	client *http.Client
}

// NewNotifier creates a notifier; zero timeout and retries get defaults.
func NewNotifier(config Config) *Notifier {
	if config.Timeout == 0 {
		config.Timeout = 5
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}

	return &Notifier{
		config: config,
		client: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}
}

// Notify fans the event out to all URLs. Fire and forget; delivery
// failures are logged and never surface to the request path.
func (n *Notifier) Notify(event Event) {
	if !n.config.Enabled {
		return
	}
	if !n.shouldNotify(event.Severity) {
		return
	}

	for _, url := range n.config.URLs {
		go n.send(url, event)
	}
}

func (n *Notifier) shouldNotify(severity string) bool {
	levels := map[string]int{
		"info":     1,
		"warning":  2,
		"critical": 3,
	}
	return levels[severity] >= levels[n.config.MinSeverity]
}

func (n *Notifier) send(url string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Webhook: failed to marshal event: %v", err)
		return
	}

	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("Webhook: delivery to %s failed (attempt %d): %v", url, attempt+1, err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		log.Printf("Webhook: %s returned status %d (attempt %d)", url, resp.StatusCode, attempt+1)
	}
}
