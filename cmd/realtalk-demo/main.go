// Command realtalk-demo is a headless RealTalk client. It searches for a
// partner as the chosen persona, talks over a synthetic microphone and
// prints the match, call and feedback events until it hangs up.
//
// With no hub running (or with REALTALK_SIMULATION=true and an unreachable
// endpoint) it is matched with a simulated partner that answers in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/realtalk/internal/app"
	"github.com/MrWong99/realtalk/internal/config"
	"github.com/MrWong99/realtalk/internal/conversation"
	"github.com/MrWong99/realtalk/internal/drift"
	"github.com/MrWong99/realtalk/internal/match"
	"github.com/MrWong99/realtalk/pkg/audio"
	"github.com/MrWong99/realtalk/pkg/audio/capture"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (empty for built-in defaults)")
	username := flag.String("name", "guest", "display name sent to the partner")
	personaFlag := flag.String("persona", string(match.DefaultPersona), "persona: real-me, my-mask or crazy-self")
	duration := flag.Duration("duration", 30*time.Second, "hang up after this long")
	flag.Parse()

	persona, err := match.ParsePersona(*personaFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtalk-demo: %v\n", err)
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtalk-demo: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Slog()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	format := audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
	lb := newLoopback(format, nil)
	defer lb.Close()

	self := match.Identity{UserID: uuid.NewString(), Username: *username, Persona: persona}
	client := app.NewClient(app.ClientConfig{
		Config:     cfg,
		Self:       self,
		Microphone: &capture.Synthetic{},
		Loopback:   lb.Connect,
		OnMatchEvent: func(ev match.Event) {
			if ev.Err != nil {
				fmt.Printf("match: %s (%v)\n", ev.State, ev.Err)
				return
			}
			fmt.Printf("match: %s\n", ev.State)
		},
	})
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("client close", "err", err)
		}
	}()

	if err := client.Device().RequestAccess(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "realtalk-demo: microphone: %v\n", err)
		return 1
	}

	m, err := client.Search(ctx, persona)
	if err != nil {
		if errors.Is(err, match.ErrNoMatch) {
			fmt.Println("nobody is around right now, try again later")
			return 0
		}
		fmt.Fprintf(os.Stderr, "realtalk-demo: search: %v\n", err)
		return 1
	}
	fmt.Printf("matched with %s (%s) in session %s\n", m.Partner.Username, m.Partner.Persona, m.SessionID)

	call, err := client.Converse(ctx, *m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtalk-demo: call: %v\n", err)
		return 1
	}
	go printEvents(call)

	select {
	case <-ctx.Done():
	case <-time.After(*duration):
	case <-call.Done():
	}

	hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := call.Hangup(hctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtalk-demo: hang up: %v\n", err)
		return 1
	}
	fmt.Printf("call ended (%s) after %s: final drift %.0f, average %.1f, %d notifications\n",
		o.EndReason, o.Duration.Round(time.Second), o.FinalDrift, o.AverageDrift, o.FeedbackCount)
	return 0
}

func printEvents(call *conversation.Call) {
	for ev := range call.Events() {
		switch ev.Kind {
		case conversation.EventSession:
			fmt.Printf("call: %s\n", ev.Session.State)
		case conversation.EventDrift:
			fmt.Printf("drift: %.0f %s (%s)\n", ev.Drift.Value, ev.Drift.Band, ev.Drift.Trend)
		case conversation.EventFeedback:
			if ev.Feedback.Kind == drift.NoticeShown {
				fmt.Printf("feedback: %s\n", ev.Feedback.Event.Message)
			}
		case conversation.EventLink:
			if ev.Err != nil {
				fmt.Printf("link: %s (%v)\n", ev.Link.Phase, ev.Err)
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return config.Load(path)
}
