package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

type apiCall struct {
	path    string
	text    string
	caption string
	photo   []byte
}

// fakeAPI records Bot API calls and answers with reply
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	got   chan struct{}
	reply string
}

func newFakeAPI(t *testing.T, reply string) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{got: make(chan struct{}, 8), reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := apiCall{path: r.URL.Path}
		if r.Header.Get("Content-Type") == "application/json" {
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			call.text, _ = payload["text"].(string)
		} else if err := r.ParseMultipartForm(1 << 20); err == nil {
			call.caption = r.FormValue("caption")
			if f, _, err := r.FormFile("photo"); err == nil {
				call.photo, _ = io.ReadAll(f)
				f.Close()
			}
		}
		api.mu.Lock()
		api.calls = append(api.calls, call)
		api.mu.Unlock()
		w.Write([]byte(api.reply))
		api.got <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) last(t *testing.T) apiCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.calls)
	return a.calls[len(a.calls)-1]
}

func (a *fakeAPI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func testBot(srv *httptest.Server) *Bot {
	return NewBot(Config{BotToken: "TOKEN", ChatID: "42", Enabled: true, CooldownSeconds: 60, APIBase: srv.URL})
}

func stoppedEvent() *pipeline.Event {
	return &pipeline.Event{
		Type:      pipeline.EventStopped,
		SessionID: "s1",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Source:    "traffic.mp4",
		Reason:    pipeline.StopEndOfStream,
		Counts: &counting.Counts{
			ByCategory:           counting.Counters{counting.CategoryCar: 2, counting.CategoryBus: 1},
			Total:                3,
			TotalFrames:          120,
			FramesWithDetections: 80,
		},
	}
}

func TestReportFormatting(t *testing.T) {
	n := NewNotifier(NewBot(Config{}), counting.DefaultCategories, nil)

	msg := n.Report(stoppedEvent())
	assert.Contains(t, msg, "Counting finished")
	assert.Contains(t, msg, "Source: traffic.mp4")
	assert.Contains(t, msg, "<b>Total: 3</b>")
	assert.Contains(t, msg, "  mobil: 2\n")
	assert.Contains(t, msg, "  motor: 0\n")
	assert.Contains(t, msg, "  bus: 1\n")
	assert.Contains(t, msg, "Frames: 120 (80 with detections)")

	ev := stoppedEvent()
	ev.Reason = pipeline.StopFailed
	ev.Error = "tracker <down>"
	msg = n.Report(ev)
	assert.Contains(t, msg, "stopped on error")
	assert.Contains(t, msg, "tracker &lt;down&gt;")
}

func TestHandleSendsMessage(t *testing.T) {
	api, srv := newFakeAPI(t, `{"ok":true,"result":{}}`)
	n := NewNotifier(testBot(srv), counting.DefaultCategories, nil)

	require.NoError(t, n.Handle(context.Background(), stoppedEvent()))
	call := api.last(t)
	assert.Equal(t, "/botTOKEN/sendMessage", call.path)
	assert.Contains(t, call.text, "Total: 3")

	// Other events are ignored
	require.NoError(t, n.Handle(context.Background(), &pipeline.Event{Type: pipeline.EventCounted}))
	assert.Equal(t, 1, api.count())
}

func TestHandleAttachesFrame(t *testing.T) {
	api, srv := newFakeAPI(t, `{"ok":true}`)
	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}
	n := NewNotifier(testBot(srv), counting.DefaultCategories, func() []byte { return jpeg })

	require.NoError(t, n.Handle(context.Background(), stoppedEvent()))
	call := api.last(t)
	assert.Equal(t, "/botTOKEN/sendPhoto", call.path)
	assert.Equal(t, jpeg, call.photo)
	assert.Contains(t, call.caption, "Total: 3")
}

func TestAPIErrorAndCooldown(t *testing.T) {
	_, srv := newFakeAPI(t, `{"ok":false,"error_code":400,"description":"chat not found"}`)
	bot := testBot(srv)

	err := bot.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "chat not found")

	err = bot.SendMessage(context.Background(), "again")
	assert.ErrorIs(t, err, ErrCooldown)
}

func TestDisabledBotSendsNothing(t *testing.T) {
	api, srv := newFakeAPI(t, `{"ok":true}`)
	bot := NewBot(Config{BotToken: "TOKEN", ChatID: "42", APIBase: srv.URL})
	assert.False(t, bot.IsEnabled())

	n := NewNotifier(bot, counting.DefaultCategories, nil)
	require.NoError(t, n.Handle(context.Background(), stoppedEvent()))
	assert.Equal(t, 0, api.count())
	assert.Error(t, bot.SendMessage(context.Background(), "x"))
}

func TestAttachReportsStoppedRuns(t *testing.T) {
	api, srv := newFakeAPI(t, `{"ok":true}`)
	bus := pipeline.NewEventBus()
	stop := NewNotifier(testBot(srv), counting.DefaultCategories, nil).Attach(bus)

	bus.Publish(&pipeline.Event{Type: pipeline.EventStarted, SessionID: "s1"})
	bus.Publish(stoppedEvent())

	select {
	case <-api.got:
	case <-time.After(2 * time.Second):
		t.Fatal("report not sent")
	}
	stop()
	assert.Equal(t, 0, bus.SubscriberCount())
	assert.Equal(t, "/botTOKEN/sendMessage", api.last(t).path)
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
	assert.Error(t, ValidateConfig(Config{CooldownSeconds: -1}))
	assert.NoError(t, ValidateConfig(Config{Enabled: true, BotToken: "t", ChatID: "1"}))
}
