package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hospiq/careloop/internal/coordinator"
)

// recordingHandler captures request bodies and serves canned responses per
// path.
type recordingHandler struct {
	mu        sync.Mutex
	bodies    map[string]map[string]string
	responses map[string]string
	status    map[string]int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		bodies:    make(map[string]map[string]string),
		responses: make(map[string]string),
		status:    make(map[string]int),
	}
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	h.mu.Lock()
	h.bodies[r.URL.Path] = body
	resp, ok := h.responses[r.URL.Path]
	status := h.status[r.URL.Path]
	h.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		resp = `{"success": true}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

func (h *recordingHandler) body(path string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bodies[path]
}

func newTestClient(t *testing.T) (*coordinator.Client, *recordingHandler) {
	t.Helper()
	h := newRecordingHandler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := coordinator.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, h
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := coordinator.New(""); err == nil {
		t.Fatal("New(\"\") succeeded, want error")
	}
}

func TestInitPlayer(t *testing.T) {
	t.Parallel()
	c, h := newTestClient(t)
	h.responses["/video/player/init"] = `{
		"success": true,
		"playerState": {"mode": "loop", "isPlaying": true, "loopCount": 0, "sessionActive": true},
		"videoUrl": "https://cdn.example.com/loop.mp4"
	}`

	got, err := c.InitPlayer(context.Background(), "sess-1", "welcome")
	if err != nil {
		t.Fatalf("InitPlayer() error = %v", err)
	}
	if got.State.Mode != coordinator.ModeLoop {
		t.Errorf("mode = %q, want loop", got.State.Mode)
	}
	if !got.State.IsPlaying {
		t.Error("isPlaying = false")
	}
	if got.VideoURL != "https://cdn.example.com/loop.mp4" {
		t.Errorf("videoUrl = %q", got.VideoURL)
	}

	body := h.body("/video/player/init")
	if body["sessionId"] != "sess-1" || body["videoId"] != "welcome" {
		t.Errorf("request body = %v", body)
	}
}

func TestSwitchHeygen(t *testing.T) {
	t.Parallel()
	c, h := newTestClient(t)
	h.responses["/video/player/switch-heygen"] = `{
		"success": true,
		"playerState": {"mode": "heygen", "isPlaying": true, "sessionActive": true}
	}`

	got, err := c.SwitchHeygen(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("SwitchHeygen() error = %v", err)
	}
	if got.State.Mode != coordinator.ModeHeygen {
		t.Errorf("mode = %q, want heygen", got.State.Mode)
	}
	if body := h.body("/video/player/switch-heygen"); body["sessionId"] != "sess-1" {
		t.Errorf("request body = %v", body)
	}
}

func TestCheckInactivitySwitched(t *testing.T) {
	t.Parallel()
	c, h := newTestClient(t)
	h.responses["/video/player/check-inactivity"] = `{
		"success": true,
		"switched": true,
		"playerState": {"mode": "loop", "isPlaying": true, "sessionActive": true},
		"videoUrl": "https://cdn.example.com/loop.mp4"
	}`

	got, err := c.CheckInactivity(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("CheckInactivity() error = %v", err)
	}
	if !got.Switched {
		t.Error("Switched = false, want true")
	}
	if got.State.Mode != coordinator.ModeLoop {
		t.Errorf("mode = %q, want loop", got.State.Mode)
	}
}

func TestRecordInteractionEmptyBody(t *testing.T) {
	t.Parallel()

	// The fire-and-forget endpoint answers 200 with no body or with a
	// bare empty object; both count as success.
	for name, resp := range map[string]string{
		"no body":      ``,
		"empty object": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, h := newTestClient(t)
			h.responses["/video/player/interaction"] = resp

			if err := c.RecordInteraction(context.Background(), "sess-1"); err != nil {
				t.Fatalf("RecordInteraction() error = %v", err)
			}
			if body := h.body("/video/player/interaction"); body["sessionId"] != "sess-1" {
				t.Errorf("request body = %v", body)
			}
		})
	}
}

func TestUnsuccessfulEnvelope(t *testing.T) {
	t.Parallel()
	c, h := newTestClient(t)
	h.responses["/video/player/switch-loop"] = `{"success": false}`

	_, err := c.SwitchLoop(context.Background(), "sess-1")
	if !errors.Is(err, coordinator.ErrNotSuccessful) {
		t.Errorf("SwitchLoop() error = %v, want ErrNotSuccessful", err)
	}
}

func TestNon200Status(t *testing.T) {
	t.Parallel()
	c, h := newTestClient(t)
	h.status["/video/player/init"] = http.StatusBadGateway

	if _, err := c.InitPlayer(context.Background(), "sess-1", "welcome"); err == nil {
		t.Fatal("InitPlayer() succeeded on a 502, want error")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c, err := coordinator.New(srv.URL)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := c.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c, err := coordinator.New(srv.URL)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := c.Ping(context.Background()); err == nil {
			t.Error("Ping() succeeded on a 500, want error")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		c, err := coordinator.New("http://127.0.0.1:1")
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := c.Ping(context.Background()); err == nil {
			t.Error("Ping() succeeded against a dead endpoint, want error")
		}
	})
}
