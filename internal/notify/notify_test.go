package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

type recorder struct {
	mu    sync.Mutex
	forms []url.Values
}

func (r *recorder) last() url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.forms) == 0 {
		return nil
	}
	return r.forms[len(r.forms)-1]
}

func newClient(t *testing.T, status int, body string) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		rec.mu.Lock()
		rec.forms = append(rec.forms, r.PostForm)
		rec.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)

	return NewClient(config.NotifyConfig{
		BaseURL: srv.URL,
		Token:   "app-token",
		User:    "user-key",
		Timeout: 5 * time.Second,
	}), rec
}

func TestClient_Send(t *testing.T) {
	c, rec := newClient(t, http.StatusOK, `{"status":1,"request":"abc"}`)

	err := c.Send(context.Background(), Message{
		Title:    "X1C",
		Body:     "<ul><li>State: FAILED</li></ul>",
		HTML:     true,
		Sound:    "classical",
		Priority: PriorityHigh,
		URL:      "https://wiki.bambulab.com/en/x1/troubleshooting/hmscode/0300_2000_0001_0001",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	form := rec.last()
	checks := map[string]string{
		"token":     "app-token",
		"user":      "user-key",
		"title":     "X1C",
		"html":      "1",
		"sound":     "classical",
		"priority":  "1",
		"url_title": "Troubleshooting",
	}
	for k, want := range checks {
		if got := form.Get(k); got != want {
			t.Errorf("form[%s] = %q, want %q", k, got, want)
		}
	}
}

func TestClient_Send_PerPrinterKeys(t *testing.T) {
	c, rec := newClient(t, http.StatusOK, `{"status":1}`)

	if err := c.Send(context.Background(), Message{Title: "t", Body: "b", User: "other-user", Token: "other-app"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	form := rec.last()
	if form.Get("user") != "other-user" || form.Get("token") != "other-app" {
		t.Errorf("overrides not applied: %v", form)
	}
	if form.Has("html") || form.Has("url") {
		t.Errorf("unexpected optional fields: %v", form)
	}
}

func TestClient_Send_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"invalid sound field", http.StatusBadRequest, `{"sound":"invalid","errors":["sound is invalid"],"status":0}`, ErrInvalidSound},
		{"invalid sound in errors", http.StatusBadRequest, `{"errors":["sound is not a valid sound"],"status":0}`, ErrInvalidSound},
		{"bad user", http.StatusBadRequest, `{"user":"invalid","errors":["user identifier is invalid"],"status":0}`, ErrRejected},
		{"server error", http.StatusBadGateway, ``, ErrDeliveryFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t, tt.status, tt.body)
			err := c.Send(context.Background(), Message{Title: "t", Body: "b", Sound: "nope"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	var s Sender = Discard{}
	if err := s.Send(context.Background(), Message{}); err != nil {
		t.Errorf("Discard.Send() error = %v", err)
	}
}
