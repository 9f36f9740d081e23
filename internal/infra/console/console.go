package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"sally/internal/application"
	"sally/internal/domain"
)

// Presenter prints each view that differs from the previous one.
type Presenter struct {
	out  io.Writer
	mu   sync.Mutex
	last domain.View
}

func NewPresenter(out io.Writer) *Presenter {
	return &Presenter{out: out}
}

func (p *Presenter) Render(v domain.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v == p.last {
		return
	}
	p.last = v

	line := "[" + string(v.State) + "]"
	switch {
	case v.Message != "" && v.Warning:
		line += " warning: " + v.Message
	case v.Message != "":
		line += " " + v.Message
	case v.Caption != "":
		line += " " + v.Caption
	}
	fmt.Fprintln(p.out, line)

	if v.State == domain.StateIdle && v.AssistantText != "" {
		fmt.Fprintln(p.out, "Sally:", v.AssistantText)
	}
	switch v.Affordance {
	case domain.AffordanceManualPlay:
		fmt.Fprintln(p.out, "  (type r + Enter to play the answer)")
	case domain.AffordanceSubscribe:
		fmt.Fprintln(p.out, "  (subscribe in the Sally app to continue)")
	case domain.AffordanceBuyCredits:
		fmt.Fprintln(p.out, "  (buy credits in the Sally app to continue)")
	case domain.AffordanceSignIn:
		fmt.Fprintln(p.out, "  (run `sally login` to sign in)")
	}
}

func (p *Presenter) PromptSubscription(_ context.Context) {
	fmt.Fprintln(p.out, "A subscription is required. Open the Sally app to subscribe.")
}

// Assistant is what the keyboard can drive.
type Assistant interface {
	TapMic() application.TapResult
	ReplayAudio(ctx context.Context) error
}

// Driver turns keyboard lines into gestures: an empty line taps the mic,
// "r" replays the answer and "q" quits.
type Driver struct {
	in        io.Reader
	assistant Assistant
	logger    *slog.Logger
}

func NewDriver(in io.Reader, assistant Assistant, logger *slog.Logger) *Driver {
	return &Driver{in: in, assistant: assistant, logger: logger}
}

// Run reads until input ends, "q" is entered or ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errs := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(d.in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		case line := <-lines:
			switch strings.ToLower(line) {
			case "":
				d.logger.Debug("mic tap", "result", d.assistant.TapMic())
			case "r":
				if err := d.assistant.ReplayAudio(ctx); err != nil {
					d.logger.Info("replay not possible", "error", err)
				}
			case "q", "quit", "exit":
				return nil
			default:
				d.logger.Debug("ignoring input", "line", line)
			}
		}
	}
}
