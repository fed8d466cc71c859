// Package notify is the best-effort outbound notification sink. Delivery
// failures are for the caller to log; they must never convert a successful
// primary operation into a reported failure.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"medgate/pkg/httpx"
)

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPRelay posts messages to a mail relay endpoint.
type HTTPRelay struct {
	Client     *http.Client
	Endpoint   string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (r HTTPRelay) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var headers map[string]string
	if strings.TrimSpace(r.AuthHeader) != "" && strings.TrimSpace(r.AuthToken) != "" {
		headers = map[string]string{r.AuthHeader: r.AuthToken}
	}
	status, _, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost, r.Endpoint, body, headers, r.Retries, r.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &relayError{status: status}
	}
	return nil
}

type relayError struct{ status int }

func (e *relayError) Error() string {
	return "mail relay returned status " + http.StatusText(e.status)
}

// LogSink is the fallback when no relay is configured: notifications are
// written to the log and reported as delivered.
type LogSink struct {
	Logf func(format string, args ...any)
}

func (s LogSink) Send(ctx context.Context, msg Message) error {
	logf := s.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("notify (no relay configured): to=%s subject=%q", msg.To, msg.Subject)
	return nil
}
