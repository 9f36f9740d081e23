package console_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"sally/internal/application"
	"sally/internal/domain"
	"sally/internal/infra/console"
)

func TestPresenter_PrintsChangedViews(t *testing.T) {
	var out bytes.Buffer
	p := console.NewPresenter(&out)

	idle := domain.View{State: domain.StateIdle, AssistantText: domain.GreetingText}
	p.Render(idle)
	p.Render(idle)
	p.Render(domain.View{State: domain.StateDispatching, Caption: "Thinking about: my back"})
	p.Render(domain.View{State: domain.StateError, Message: "Out of credits.", Affordance: domain.AffordanceBuyCredits})

	got := out.String()
	if strings.Count(got, domain.GreetingText) != 1 {
		t.Errorf("greeting printed %d times", strings.Count(got, domain.GreetingText))
	}
	for _, want := range []string{"[dispatching] Thinking about: my back", "[error] Out of credits.", "buy credits"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

type recordingAssistant struct {
	mu      sync.Mutex
	taps    int
	replays int
}

func (r *recordingAssistant) TapMic() application.TapResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps++
	return application.TapStarted
}

func (r *recordingAssistant) ReplayAudio(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays++
	return nil
}

func TestDriver_MapsLinesToGestures(t *testing.T) {
	assistant := &recordingAssistant{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	driver := console.NewDriver(strings.NewReader("\n\nr\nhello\nq\n\n"), assistant, logger)

	if err := driver.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if assistant.taps != 2 {
		t.Errorf("taps: got %d, want 2", assistant.taps)
	}
	if assistant.replays != 1 {
		t.Errorf("replays: got %d, want 1", assistant.replays)
	}
}
