package telegram

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"trafficcount/internal/counting"
	"trafficcount/internal/pipeline"
)

// Notifier posts a report to Telegram whenever a counting run ends
type Notifier struct {
	bot        *Bot
	categories []counting.Category
	frame      func() []byte
	timeout    time.Duration
}

// NewNotifier creates a notifier. frame, when set, supplies the last
// annotated JPEG to attach to the report.
func NewNotifier(bot *Bot, categories []counting.Category, frame func() []byte) *Notifier {
	return &Notifier{
		bot:        bot,
		categories: categories,
		frame:      frame,
		timeout:    30 * time.Second,
	}
}

// Report formats the end-of-run message for ev
func (n *Notifier) Report(ev *pipeline.Event) string {
	zoneName, _ := ev.Timestamp.Zone()
	timestamp := fmt.Sprintf("%s %s", ev.Timestamp.Format("2 Jan 2006, 15:04:05"), zoneName)

	var b strings.Builder
	if ev.Reason == pipeline.StopFailed {
		b.WriteString("⚠️ <b>Counting stopped on error</b>\n\n")
	} else {
		b.WriteString("🚦 <b>Counting finished</b>\n\n")
	}
	fmt.Fprintf(&b, "📹 Source: %s\n", html.EscapeString(ev.Source))
	fmt.Fprintf(&b, "🕐 Time: %s\n", timestamp)
	if ev.Reason != "" {
		fmt.Fprintf(&b, "⏹ Reason: %s\n", ev.Reason)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "❌ Error: %s\n", html.EscapeString(ev.Error))
	}

	if c := ev.Counts; c != nil {
		fmt.Fprintf(&b, "\n<b>Total: %d</b>\n", c.Total)
		for _, cat := range n.categories {
			fmt.Fprintf(&b, "  %s: %d\n", cat, c.ByCategory[cat])
		}
		fmt.Fprintf(&b, "\nFrames: %d (%d with detections)", c.TotalFrames, c.FramesWithDetections)
	}
	return b.String()
}

// Handle sends the report for a stopped event; other events are ignored
func (n *Notifier) Handle(ctx context.Context, ev *pipeline.Event) error {
	if ev.Type != pipeline.EventStopped || !n.bot.IsEnabled() {
		return nil
	}

	msg := n.Report(ev)
	if n.frame != nil {
		if jpeg := n.frame(); len(jpeg) > 0 {
			return n.bot.SendPhoto(ctx, jpeg, msg)
		}
	}
	return n.bot.SendMessage(ctx, msg)
}

// Attach subscribes to bus and sends reports on a background goroutine.
// The returned function unsubscribes and waits for pending reports.
func (n *Notifier) Attach(bus *pipeline.EventBus) func() {
	events, unsubscribe := bus.SubscribeChannel(8, pipeline.EventStopped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			if err := n.Handle(ctx, ev); err != nil {
				log.Printf("[Telegram] Failed to send report for session %s: %v", ev.SessionID, err)
			}
			cancel()
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}
