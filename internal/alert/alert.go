// Package alert carries residual-exposure notices to an operator. It is a
// separate channel from routine logging: anything sent here needs a human.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "critical"
	case Warning:
		return "warning"
	default:
		return "info"
	}
}

// Embed colors as used by Discord.
func (s Severity) color() int {
	switch s {
	case Critical:
		return 0xE74C3C
	case Warning:
		return 0xF1C40F
	default:
		return 0x3498DB
	}
}

type Alert struct {
	ID       string
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Log writes alerts to the process log with an [ALERT] tag.
type Log struct{}

func (Log) Alert(_ context.Context, a Alert) error {
	var sb strings.Builder
	for _, k := range sortedKeys(a.Fields) {
		fmt.Fprintf(&sb, " %s=%s", k, a.Fields[k])
	}
	log.Printf("[ALERT] %s id=%s %s: %s%s", a.Severity, a.ID, a.Title, a.Message, sb.String())
	return nil
}

// Webhook posts alerts as a Discord-compatible embed.
type Webhook struct {
	url        string
	httpClient *http.Client
	footer     string
}

func NewWebhook(url string) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		footer:     "polybot pair executor",
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Color       int               `json:"color"`
	Fields      []embedField      `json:"fields,omitempty"`
	Footer      map[string]string `json:"footer,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

func (w *Webhook) Alert(ctx context.Context, a Alert) error {
	if w == nil {
		return nil
	}
	e := embed{
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(a.Severity.String()), a.Title),
		Description: a.Message,
		Color:       a.Severity.color(),
		Footer:      map[string]string{"text": w.footer + " | " + a.ID},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, k := range sortedKeys(a.Fields) {
		e.Fields = append(e.Fields, embedField{Name: k, Value: a.Fields[k], Inline: true})
	}

	data, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

// Fanout delivers to every alerter and logs individual failures. It returns
// the first error so callers can count delivery problems.
type Fanout []Alerter

func (f Fanout) Alert(ctx context.Context, a Alert) error {
	var firstErr error
	for _, al := range f {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			log.Printf("[warn] alert delivery failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
