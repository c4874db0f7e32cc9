// Package notify is the outbound notification boundary. Delivery is best
// effort: callers log an undeliverable message and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"autoclaim/pkg/logger"
)

var ErrUndeliverable = errors.New("notify: undeliverable")

// Message is a chat webhook payload with rich embeds.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Author      *Author `json:"author,omitempty"`
	Title       string  `json:"title,omitempty"`
	URL         string  `json:"url,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Image       *Image  `json:"image,omitempty"`
	Thumbnail   *Image  `json:"thumbnail,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      *Footer `json:"footer,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Image struct {
	URL string `json:"url"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Footer struct {
	Text string `json:"text"`
}

type Author struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type Notifier interface {
	Deliver(ctx context.Context, recipient string, msg Message) error
}

// Webhook posts messages to a recipient's webhook URL.
type Webhook struct {
	Client *http.Client
}

func NewWebhook(c *http.Client) *Webhook {
	if c == nil {
		c = http.DefaultClient
	}
	return &Webhook{Client: c}
}

func (w *Webhook) Deliver(ctx context.Context, recipient string, msg Message) error {
	if !strings.HasPrefix(recipient, "https://") && !strings.HasPrefix(recipient, "http://") {
		return fmt.Errorf("%w: bad recipient %q", ErrUndeliverable, recipient)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUndeliverable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrUndeliverable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Broadcast delivers msg to every recipient, logging failures. It returns
// the number delivered and an error only when nobody received it.
func Broadcast(ctx context.Context, n Notifier, recipients []string, msg Message, log *zap.SugaredLogger) (int, error) {
	if log == nil {
		log = logger.Nop()
	}
	delivered := 0
	var errs []error
	for _, r := range recipients {
		if err := n.Deliver(ctx, r, msg); err != nil {
			log.Warnw("notification undeliverable", "recipient", redact(r), "err", err)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return delivered, nil
}

// redact keeps webhook tokens out of logs.
func redact(recipient string) string {
	if i := strings.LastIndex(recipient, "/"); i > 0 && i < len(recipient)-1 {
		return recipient[:i+1] + "***"
	}
	return recipient
}
