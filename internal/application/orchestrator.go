package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sally/internal/domain"
)

var ErrNotRunning = errors.New("orchestrator closed")

type TapResult int

const (
	TapIgnored TapResult = iota
	TapStarted
	TapCancelled
)

func (r TapResult) String() string {
	switch r {
	case TapStarted:
		return "started"
	case TapCancelled:
		return "cancelled"
	default:
		return "ignored"
	}
}

type TurnOptions struct {
	// ErrorHold is how long an error stays on screen before returning to idle.
	ErrorHold time.Duration
	// ManualPlayTimeout bounds the wait for a replay gesture after autoplay
	// was blocked.
	ManualPlayTimeout time.Duration
}

func DefaultTurnOptions() TurnOptions {
	return TurnOptions{
		ErrorHold:         500 * time.Millisecond,
		ManualPlayTimeout: 2 * time.Minute,
	}
}

type Dependencies struct {
	Permissions PermissionGate
	Capture     SpeechCapture
	Profiles    ProfileStore
	Tokens      TokenSource
	Dialogue    DialogueClient
	Speech      SpeechSynthesizer
	Playback    *PlaybackController
	Settlement  *Settlement
	Presenter   Presenter
	Purchase    PurchasePrompt
}

// Orchestrator sequences one conversational turn at a time:
// permission, capture, entitlement, dialogue, synthesis, playback and
// settlement. It is the only component holding cross-turn state.
type Orchestrator struct {
	deps   Dependencies
	opts   TurnOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	mu           sync.Mutex
	view         domain.View
	closed       bool
	cancelListen context.CancelFunc
	replay       chan struct{}
}

func NewOrchestrator(deps Dependencies, opts TurnOptions, logger *slog.Logger) *Orchestrator {
	if deps.Purchase == nil {
		deps.Purchase = NoopPurchasePrompt{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		view:   domain.View{State: domain.StateIdle, AssistantText: domain.GreetingText},
		replay: make(chan struct{}, 1),
	}
}

// Run settles debits left over from earlier sessions, renders the idle view
// and blocks until ctx is done, then releases every device resource.
func (o *Orchestrator) Run(ctx context.Context) error {
	if token, err := o.deps.Tokens.Token(ctx); err == nil {
		n, err := o.deps.Settlement.Reconcile(ctx, token)
		if err != nil {
			o.logger.Warn("reconciling journaled debits", "error", err)
		} else if n > 0 {
			o.logger.Info("reconciled journaled debits", "count", n)
		}
	}

	o.deps.Presenter.Render(o.View())
	o.logger.Info("assistant ready, waiting for mic taps")

	<-ctx.Done()
	o.Close()
	return ctx.Err()
}

// View returns the latest rendered view.
func (o *Orchestrator) View() domain.View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view
}

func (o *Orchestrator) State() domain.State {
	return o.View().State
}

// TapMic handles the mic gesture: it starts a turn from idle, cancels an
// active recording, and is ignored in every other state.
func (o *Orchestrator) TapMic() TapResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return TapIgnored
	}

	switch o.view.State {
	case domain.StateIdle:
		o.turns.Add(1)
		o.transitionLocked(domain.View{State: domain.StateAwaitingPermission})
		go o.runTurn(o.ctx)
		return TapStarted
	case domain.StateRecording:
		if o.cancelListen != nil {
			o.cancelListen()
		}
		o.logger.Info("recording cancelled by user")
		return TapCancelled
	default:
		o.logger.Debug("mic tap ignored", "state", o.view.State)
		return TapIgnored
	}
}

// ReplayAudio is the manual play gesture. While a blocked playback waits it
// resumes the turn; afterwards it replays the last asset without settling
// again.
func (o *Orchestrator) ReplayAudio(ctx context.Context) error {
	o.mu.Lock()
	state, closed := o.view.State, o.closed
	o.mu.Unlock()

	if closed {
		return ErrNotRunning
	}

	switch state {
	case domain.StatePlaying:
		select {
		case o.replay <- struct{}{}:
		default:
		}
		return nil
	case domain.StateIdle:
		_, err := o.deps.Playback.Play(ctx)
		return err
	default:
		return fmt.Errorf("nothing to replay in state %s", state)
	}
}

// Wait blocks until the in-flight turn, if any, has finished.
func (o *Orchestrator) Wait() {
	o.turns.Wait()
}

// Close aborts any turn in flight and releases the audio asset.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.turns.Wait()
	o.deps.Playback.Release()
}

func (o *Orchestrator) runTurn(ctx context.Context) {
	defer o.turns.Done()

	warning, err := o.turn(ctx)
	if err != nil && ctx.Err() == nil {
		o.fail(ctx, err)
	}

	o.mu.Lock()
	idle := domain.View{State: domain.StateIdle, AssistantText: o.view.AssistantText}
	if warning != nil {
		idle.Message = warning.Message()
		idle.Warning = true
	}
	o.transitionLocked(idle)
	o.mu.Unlock()
}

// turn returns a non-nil failure when the turn aborts. The first return
// value carries an absorbed failure surfaced as a warning in the idle view.
func (o *Orchestrator) turn(ctx context.Context) (*domain.Failure, error) {
	perm := o.deps.Permissions.Acquire(ctx, DeviceMicrophone)
	if !perm.Granted {
		return nil, &domain.Failure{Kind: domain.FailurePermissionDenied, Permission: perm.Reason}
	}

	utterance, ok, err := o.record(ctx)
	if err != nil || !ok {
		return nil, err
	}

	o.transition(domain.View{State: domain.StateEntitlementCheck})
	token, profile, err := o.checkEntitlement(ctx)
	if err != nil {
		return nil, err
	}

	o.transition(domain.View{
		State:   domain.StateDispatching,
		Caption: fmt.Sprintf("Thinking about: %q", utterance.Text),
	})
	dialogueTurn, err := o.deps.Dialogue.Send(ctx, utterance, token, domain.UserContext{UserName: profile.Name})
	if err != nil {
		return nil, o.dialogueFailure(ctx, err)
	}
	if !dialogueTurn.Succeeded() {
		return nil, domain.NewFailure(domain.FailureEmptyResponse, nil)
	}
	o.logger.Debug("assistant answered", "text", dialogueTurn.AssistantText)

	o.transition(domain.View{State: domain.StateSynthesizing, AssistantText: dialogueTurn.AssistantText})
	asset, err := o.synthesize(ctx, dialogueTurn)
	if err != nil {
		return nil, err
	}

	played, err := o.play(ctx, asset, dialogueTurn.AssistantText)
	if err != nil || !played {
		// An asset that never played to completion is not replayable.
		o.deps.Playback.Release()
		return nil, err
	}

	o.transition(domain.View{State: domain.StateSettling, AssistantText: dialogueTurn.AssistantText})
	if _, err := o.deps.Settlement.Settle(ctx, token); err != nil {
		return domain.AsFailure(err, domain.FailureDebit), nil
	}
	o.logger.Info("turn completed")
	return nil, nil
}

func (o *Orchestrator) record(ctx context.Context) (domain.Utterance, bool, error) {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelListen = cancel
	o.transitionLocked(domain.View{State: domain.StateRecording})
	o.mu.Unlock()

	rec := o.deps.Capture.Listen(listenCtx)

	o.mu.Lock()
	o.cancelListen = nil
	o.mu.Unlock()

	if listenCtx.Err() != nil {
		return domain.Utterance{}, false, nil
	}

	switch rec.Outcome {
	case RecognitionUtterance:
		utterance, ok := domain.NewUtterance(rec.Text)
		if !ok {
			o.logger.Debug("blank utterance, back to idle")
		}
		return utterance, ok, nil
	case RecognitionFailed:
		return domain.Utterance{}, false, &domain.Failure{Kind: domain.FailureRecognition, Recognition: rec.Err}
	default:
		o.logger.Debug("no speech recognized")
		return domain.Utterance{}, false, nil
	}
}

func (o *Orchestrator) checkEntitlement(ctx context.Context) (string, *domain.UserProfile, error) {
	token, err := o.deps.Tokens.Token(ctx)
	if err != nil || token == "" {
		return "", nil, domain.NewFailure(domain.FailureAuthRequired, err)
	}

	profile, err := o.deps.Profiles.Profile(ctx)
	if err != nil || profile == nil {
		return "", nil, domain.NewFailure(domain.FailureProfileUnavailable, err)
	}

	switch CheckEntitlement(*profile) {
	case domain.EntitlementSubscriptionRequired:
		o.deps.Purchase.PromptSubscription(ctx)
		return "", nil, domain.NewFailure(domain.FailureSubscriptionNeeded, nil)
	case domain.EntitlementOutOfCredits:
		return "", nil, domain.NewFailure(domain.FailureOutOfCredits, nil)
	}
	return token, profile, nil
}

func (o *Orchestrator) dialogueFailure(ctx context.Context, err error) error {
	f := domain.AsFailure(err, domain.FailureDialogue)
	switch f.Status {
	case http.StatusForbidden:
		f.Kind = domain.FailureEntitlementRejected
		o.deps.Purchase.PromptSubscription(ctx)
	case http.StatusTooManyRequests:
		f.Kind = domain.FailureEntitlementRejected
	}
	return f
}

func (o *Orchestrator) synthesize(ctx context.Context, turn *domain.DialogueTurn) (*domain.AudioAsset, error) {
	if inline := turn.InlineAudio; inline != nil {
		if o.deps.Playback.CanPlay(inline.MIMEType) || o.deps.Speech == nil {
			o.logger.Debug("using audio returned with the dialogue answer")
			return inline, nil
		}
		o.logger.Info("audio element cannot play inline audio, synthesizing instead", "mime", inline.MIMEType)
	}
	if o.deps.Speech == nil {
		return nil, domain.NewFailure(domain.FailureSpeech, errors.New("no speech synthesizer configured"))
	}
	asset, err := o.deps.Speech.Synthesize(ctx, turn.AssistantText)
	if err != nil {
		o.logger.Warn("speech synthesis failed, answering with text only", "error", err)
		return nil, domain.AsFailure(err, domain.FailureSpeech)
	}
	return asset, nil
}

// play reports whether the asset reached its played-to-completion event.
func (o *Orchestrator) play(ctx context.Context, asset *domain.AudioAsset, text string) (bool, error) {
	uri, done := o.deps.Playback.Load(asset)

	o.drainReplay()
	playing := domain.View{State: domain.StatePlaying, AssistantText: text, AudioURI: uri}
	o.transition(playing)

	result, err := o.deps.Playback.Play(ctx)
	if err != nil {
		return false, domain.NewFailure(domain.FailurePlayback, err)
	}

	var manual <-chan time.Time
	if result == PlayBlocked {
		playing.Affordance = domain.AffordanceManualPlay
		o.transition(playing)
		timer := time.NewTimer(o.opts.ManualPlayTimeout)
		defer timer.Stop()
		manual = timer.C
	}

	for {
		select {
		case err := <-done:
			if err != nil {
				return false, domain.NewFailure(domain.FailurePlayback, err)
			}
			return true, nil
		case <-o.replay:
			result, err := o.deps.Playback.Play(ctx)
			if err != nil {
				return false, domain.NewFailure(domain.FailurePlayback, err)
			}
			if result == PlayStarted {
				manual = nil
				playing.Affordance = domain.AffordanceNone
				o.transition(playing)
			}
		case <-manual:
			o.logger.Info("audio was never played, ending turn with text only")
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (o *Orchestrator) drainReplay() {
	select {
	case <-o.replay:
	default:
	}
}

func (o *Orchestrator) fail(ctx context.Context, err error) {
	f := domain.AsFailure(err, domain.FailureDialogue)
	o.logger.Info("turn failed", "kind", f.Kind, "error", err)

	view := domain.View{
		State:      domain.StateError,
		Failure:    f.Kind,
		Message:    f.Message(),
		Affordance: affordanceFor(f),
	}
	o.mu.Lock()
	view.AssistantText = o.view.AssistantText
	o.transitionLocked(view)
	o.mu.Unlock()

	if o.opts.ErrorHold <= 0 {
		return
	}
	timer := time.NewTimer(o.opts.ErrorHold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func affordanceFor(f *domain.Failure) domain.Affordance {
	switch f.Kind {
	case domain.FailureSubscriptionNeeded:
		return domain.AffordanceSubscribe
	case domain.FailureOutOfCredits:
		return domain.AffordanceBuyCredits
	case domain.FailureAuthRequired:
		return domain.AffordanceSignIn
	case domain.FailureEntitlementRejected:
		if f.Status == http.StatusForbidden {
			return domain.AffordanceSubscribe
		}
		return domain.AffordanceBuyCredits
	}
	return domain.AffordanceNone
}

func (o *Orchestrator) transition(v domain.View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionLocked(v)
}

func (o *Orchestrator) transitionLocked(v domain.View) {
	if o.view.State != v.State {
		o.logger.Debug("state transition", "from", o.view.State, "to", v.State)
	}
	o.view = v
	o.deps.Presenter.Render(v)
}
