package application_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sally/internal/application"
	"sally/internal/domain"
)

type recordingPresenter struct {
	mu    sync.Mutex
	views []domain.View
}

func (p *recordingPresenter) Render(v domain.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = append(p.views, v)
}

func (p *recordingPresenter) states() []domain.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.State
	for _, v := range p.views {
		if len(out) == 0 || out[len(out)-1] != v.State {
			out = append(out, v.State)
		}
	}
	return out
}

func (p *recordingPresenter) find(state domain.State) (domain.View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.views {
		if v.State == state {
			return v, true
		}
	}
	return domain.View{}, false
}

type fakeGate struct {
	perm    application.Permission
	release chan struct{}
}

func (g *fakeGate) Acquire(ctx context.Context, _ application.DeviceKind) application.Permission {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return application.Denied(domain.PermissionDeclined)
		}
	}
	return g.perm
}

type fakeCapture struct {
	result application.Recognition
	block  bool
	calls  int
}

func (c *fakeCapture) Listen(ctx context.Context) application.Recognition {
	c.calls++
	if c.block {
		<-ctx.Done()
		return application.Recognition{Outcome: application.RecognitionCancelled}
	}
	return c.result
}

type fakeProfiles struct {
	mu        sync.Mutex
	profile   *domain.UserProfile
	err       error
	loads     int
	refreshes int
}

func (f *fakeProfiles) Profile(context.Context) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.profile
	return &p, nil
}

func (f *fakeProfiles) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", domain.ErrNoAuthToken
	}
	return string(s), nil
}

type fakeDialogue struct {
	mu     sync.Mutex
	answer string
	inline *domain.AudioAsset
	err    error
	calls  []domain.Utterance
	tokens []string
	users  []domain.UserContext
}

func (d *fakeDialogue) Send(_ context.Context, u domain.Utterance, token string, user domain.UserContext) (*domain.DialogueTurn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, u)
	d.tokens = append(d.tokens, token)
	d.users = append(d.users, user)
	if d.err != nil {
		return nil, d.err
	}
	return &domain.DialogueTurn{Utterance: u, AssistantText: d.answer, CreatedAt: time.Now(), InlineAudio: d.inline}, nil
}

func (d *fakeDialogue) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeSpeech struct {
	err   error
	texts []string
}

func (s *fakeSpeech) Synthesize(_ context.Context, text string) (*domain.AudioAsset, error) {
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.AudioAsset{Data: []byte("RIFF....WAVE"), MIMEType: domain.MIMETypeWAV}, nil
}

type fakeElement struct {
	mu         sync.Mutex
	blockFirst bool
	failWith   error
	plays      int
	stops      int
	uris       []string
	mimeTypes  []string
	// formats limits what the element decodes; empty means everything.
	formats []string
}

func (e *fakeElement) CanPlay(mimeType string) bool {
	return len(e.formats) == 0 || slices.Contains(e.formats, mimeType)
}

func (e *fakeElement) Play(_ context.Context, asset *domain.AudioAsset, uri string, done func(error)) error {
	e.mu.Lock()
	e.plays++
	n := e.plays
	e.uris = append(e.uris, uri)
	e.mimeTypes = append(e.mimeTypes, asset.MIMEType)
	e.mu.Unlock()

	if e.blockFirst && n == 1 {
		return domain.ErrAutoplayBlocked
	}
	go done(e.failWith)
	return nil
}

func (e *fakeElement) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
}

func (e *fakeElement) playCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plays
}

type fakeLedger struct {
	mu   sync.Mutex
	err  error
	reqs []domain.CreditDebitRequest
}

func (l *fakeLedger) Debit(_ context.Context, req domain.CreditDebitRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	if l.err != nil {
		return "", l.err
	}
	return "Credits deducted successfully.", nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

type fakePurchase struct {
	mu      sync.Mutex
	prompts int
}

func (p *fakePurchase) PromptSubscription(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
}

type rig struct {
	presenter *recordingPresenter
	gate      *fakeGate
	capture   *fakeCapture
	profiles  *fakeProfiles
	dialogue  *fakeDialogue
	speech    *fakeSpeech
	element   *fakeElement
	ledger    *fakeLedger
	journal   *memoryJournal
	purchase  *fakePurchase
	token     staticToken
	opts      application.TurnOptions
}

func newRig() *rig {
	return &rig{
		presenter: &recordingPresenter{},
		gate:      &fakeGate{perm: application.Granted()},
		capture: &fakeCapture{result: application.Recognition{
			Outcome: application.RecognitionUtterance,
			Text:    "what's in this meal",
		}},
		profiles: &fakeProfiles{profile: &domain.UserProfile{ID: "u1", Name: "Ada", IsSubscribed: true, Credits: 3}},
		dialogue: &fakeDialogue{answer: "This meal has 420 calories."},
		speech:   &fakeSpeech{},
		element:  &fakeElement{},
		ledger:   &fakeLedger{},
		journal:  &memoryJournal{},
		purchase: &fakePurchase{},
		token:    "token-123",
		opts:     application.TurnOptions{ManualPlayTimeout: time.Minute},
	}
}

func (r *rig) build() *application.Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	playback := application.NewPlaybackController(r.element, logger)
	settlement := application.NewSettlement(r.ledger, r.profiles, r.journal, &application.NoopNotifier{}, 1, logger)
	return application.NewOrchestrator(application.Dependencies{
		Permissions: r.gate,
		Capture:     r.capture,
		Profiles:    r.profiles,
		Tokens:      r.token,
		Dialogue:    r.dialogue,
		Speech:      r.speech,
		Playback:    playback,
		Settlement:  settlement,
		Presenter:   r.presenter,
		Purchase:    r.purchase,
	}, r.opts, logger)
}

func runTurn(t *testing.T, o *application.Orchestrator) {
	t.Helper()
	require.Equal(t, application.TapStarted, o.TapMic())
	o.Wait()
	require.Equal(t, domain.StateIdle, o.State())
}

func TestOrchestrator_SuccessfulTurnDebitsOnce(t *testing.T) {
	r := newRig()
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.Equal(t, []domain.State{
		domain.StateAwaitingPermission,
		domain.StateRecording,
		domain.StateEntitlementCheck,
		domain.StateDispatching,
		domain.StateSynthesizing,
		domain.StatePlaying,
		domain.StateSettling,
		domain.StateIdle,
	}, r.presenter.states())

	require.Len(t, r.dialogue.calls, 1)
	assert.Equal(t, "what's in this meal", r.dialogue.calls[0].Text)
	assert.Equal(t, "token-123", r.dialogue.tokens[0])
	assert.Equal(t, "Ada", r.dialogue.users[0].UserName)
	assert.Equal(t, []string{"This meal has 420 calories."}, r.speech.texts)

	require.Equal(t, 1, r.ledger.count())
	assert.Equal(t, 1, r.ledger.reqs[0].Amount)
	assert.Equal(t, "token-123", r.ledger.reqs[0].AuthToken)
	assert.NotEmpty(t, r.ledger.reqs[0].IdempotencyKey)
	assert.Equal(t, 1, r.profiles.refreshes)

	idle := o.View()
	assert.Equal(t, "This meal has 420 calories.", idle.AssistantText)
	assert.Empty(t, idle.Message)
}

func TestOrchestrator_BlankUtteranceIsSilent(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		r := newRig()
		r.capture.result = application.Recognition{Outcome: application.RecognitionUtterance, Text: text}
		o := r.build()

		runTurn(t, o)

		assert.Zero(t, r.profiles.loads, "no entitlement check for %q", text)
		assert.Zero(t, r.dialogue.count())
		assert.Zero(t, r.ledger.count())
		_, errored := r.presenter.find(domain.StateError)
		assert.False(t, errored)
		o.Close()
	}
}

func TestOrchestrator_NoSpeechReturnsToIdleWithoutMessage(t *testing.T) {
	r := newRig()
	r.capture.result = application.Recognition{Outcome: application.RecognitionNoSpeech}
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	_, errored := r.presenter.find(domain.StateError)
	assert.False(t, errored)
	assert.Empty(t, o.View().Message)
	assert.Zero(t, r.dialogue.count())
}

func TestOrchestrator_RecognitionErrors(t *testing.T) {
	tests := []struct {
		kind    domain.RecognitionErrorKind
		message string
	}{
		{domain.RecognitionNetwork, "Could not recognize speech: network error. Please check your connection."},
		{domain.RecognitionNotAllowed, "Please allow microphone access in your browser settings to use this feature."},
		{domain.RecognitionOther, "Could not recognize speech. Please try again."},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r := newRig()
			r.capture.result = application.Recognition{Outcome: application.RecognitionFailed, Err: tt.kind}
			o := r.build()
			defer o.Close()

			runTurn(t, o)

			view, ok := r.presenter.find(domain.StateError)
			require.True(t, ok)
			assert.Equal(t, domain.FailureRecognition, view.Failure)
			assert.Equal(t, tt.message, view.Message)
			assert.Zero(t, r.dialogue.count())
		})
	}
}

func TestOrchestrator_PermissionDenied(t *testing.T) {
	r := newRig()
	r.gate.perm = application.Denied(domain.PermissionUnavailable)
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	view, ok := r.presenter.find(domain.StateError)
	require.True(t, ok)
	assert.Equal(t, domain.FailurePermissionDenied, view.Failure)
	assert.Equal(t, "No microphone was found. Please connect one and try again.", view.Message)
	assert.Zero(t, r.capture.calls)
}

func TestOrchestrator_NotSubscribedNeverDispatches(t *testing.T) {
	r := newRig()
	r.profiles.profile = &domain.UserProfile{Name: "Ada", IsSubscribed: false, Credits: 5}
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.Equal(t, []domain.State{
		domain.StateAwaitingPermission,
		domain.StateRecording,
		domain.StateEntitlementCheck,
		domain.StateError,
		domain.StateIdle,
	}, r.presenter.states())

	view, _ := r.presenter.find(domain.StateError)
	assert.Equal(t, domain.FailureSubscriptionNeeded, view.Failure)
	assert.Equal(t, domain.AffordanceSubscribe, view.Affordance)
	assert.Equal(t, 1, r.purchase.prompts)
	assert.Zero(t, r.dialogue.count())
	assert.Zero(t, r.ledger.count())
}

func TestOrchestrator_OutOfCreditsNeverDispatches(t *testing.T) {
	r := newRig()
	r.profiles.profile = &domain.UserProfile{Name: "Ada", IsSubscribed: true, Credits: 0}
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	view, ok := r.presenter.find(domain.StateError)
	require.True(t, ok)
	assert.Equal(t, domain.FailureOutOfCredits, view.Failure)
	assert.Equal(t, domain.AffordanceBuyCredits, view.Affordance)
	assert.Zero(t, r.purchase.prompts)
	assert.Zero(t, r.dialogue.count())
}

func TestOrchestrator_MissingTokenOrProfile(t *testing.T) {
	r := newRig()
	r.token = ""
	o := r.build()
	runTurn(t, o)
	view, _ := r.presenter.find(domain.StateError)
	assert.Equal(t, domain.FailureAuthRequired, view.Failure)
	assert.Equal(t, domain.AffordanceSignIn, view.Affordance)
	assert.Zero(t, r.dialogue.count())
	o.Close()

	r = newRig()
	r.profiles.err = errors.New("profile service down")
	o = r.build()
	runTurn(t, o)
	view, _ = r.presenter.find(domain.StateError)
	assert.Equal(t, domain.FailureProfileUnavailable, view.Failure)
	assert.Zero(t, r.dialogue.count())
	o.Close()
}

func TestOrchestrator_ServerEntitlementRejection(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			r := newRig()
			r.dialogue.err = &domain.Failure{Kind: domain.FailureDialogue, Status: status}
			o := r.build()
			defer o.Close()

			runTurn(t, o)

			view, ok := r.presenter.find(domain.StateError)
			require.True(t, ok)
			assert.Equal(t, domain.FailureEntitlementRejected, view.Failure)
			assert.Equal(t, 1, r.dialogue.count(), "no retry")
			assert.Empty(t, r.speech.texts)
			assert.Zero(t, r.ledger.count())
			if status == http.StatusForbidden {
				assert.Equal(t, 1, r.purchase.prompts)
				assert.Equal(t, domain.AffordanceSubscribe, view.Affordance)
			} else {
				assert.Equal(t, domain.AffordanceBuyCredits, view.Affordance)
			}
		})
	}
}

func TestOrchestrator_DialogueFailures(t *testing.T) {
	r := newRig()
	r.dialogue.err = &domain.Failure{Kind: domain.FailureDialogue, Status: 500, Detail: "Model overloaded"}
	o := r.build()
	runTurn(t, o)
	view, _ := r.presenter.find(domain.StateError)
	assert.Equal(t, domain.FailureDialogue, view.Failure)
	assert.Equal(t, "Model overloaded", view.Message)
	assert.Equal(t, 1, r.dialogue.count())
	o.Close()

	r = newRig()
	r.dialogue.answer = "  "
	o = r.build()
	runTurn(t, o)
	view, _ = r.presenter.find(domain.StateError)
	assert.Equal(t, domain.FailureEmptyResponse, view.Failure)
	assert.Empty(t, r.speech.texts)
	assert.Zero(t, r.ledger.count())
	o.Close()
}

func TestOrchestrator_SynthesisFailureKeepsTextAndSkipsDebit(t *testing.T) {
	r := newRig()
	r.speech.err = errors.New("tts unavailable")
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	view, ok := r.presenter.find(domain.StateError)
	require.True(t, ok)
	assert.Equal(t, domain.FailureSpeech, view.Failure)
	assert.Equal(t, "This meal has 420 calories.", view.AssistantText)
	assert.Equal(t, "This meal has 420 calories.", o.View().AssistantText)
	assert.Zero(t, r.element.playCount())
	assert.Zero(t, r.ledger.count())
}

func TestOrchestrator_InlineAudioSkipsSynthesis(t *testing.T) {
	r := newRig()
	r.dialogue.inline = &domain.AudioAsset{Data: []byte("ID3"), MIMEType: domain.MIMETypeMPEG}
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.Empty(t, r.speech.texts)
	assert.Equal(t, 1, r.element.playCount())
	assert.Equal(t, 1, r.ledger.count())
}

func TestOrchestrator_InlineAudioUnplayableFallsBackToSynthesis(t *testing.T) {
	r := newRig()
	r.dialogue.inline = &domain.AudioAsset{Data: []byte("ID3"), MIMEType: domain.MIMETypeMPEG}
	r.element.formats = []string{domain.MIMETypeWAV}
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.Equal(t, []string{"This meal has 420 calories."}, r.speech.texts)
	assert.Equal(t, []string{domain.MIMETypeWAV}, r.element.mimeTypes)
	assert.Equal(t, 1, r.ledger.count())
	_, errored := r.presenter.find(domain.StateError)
	assert.False(t, errored)
}

func TestOrchestrator_PlaybackFailureSkipsDebit(t *testing.T) {
	r := newRig()
	r.element.failWith = errors.New("decode error")
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	view, ok := r.presenter.find(domain.StateError)
	require.True(t, ok)
	assert.Equal(t, domain.FailurePlayback, view.Failure)
	assert.Zero(t, r.ledger.count())
}

func TestOrchestrator_AutoplayBlockedWaitsForReplay(t *testing.T) {
	r := newRig()
	r.element.blockFirst = true
	o := r.build()
	defer o.Close()

	require.Equal(t, application.TapStarted, o.TapMic())
	require.Eventually(t, func() bool {
		v := o.View()
		return v.State == domain.StatePlaying && v.Affordance == domain.AffordanceManualPlay
	}, 2*time.Second, 5*time.Millisecond)

	_, errored := r.presenter.find(domain.StateError)
	assert.False(t, errored, "autoplay block is not an error")
	assert.Zero(t, r.ledger.count())
	assert.Equal(t, application.TapIgnored, o.TapMic())

	require.NoError(t, o.ReplayAudio(context.Background()))
	o.Wait()

	assert.Equal(t, domain.StateIdle, o.State())
	assert.Equal(t, 2, r.element.playCount())
	assert.Equal(t, 1, r.ledger.count())
}

func TestOrchestrator_AutoplayBlockedTimesOutWithoutDebit(t *testing.T) {
	r := newRig()
	r.element.blockFirst = true
	r.opts.ManualPlayTimeout = 20 * time.Millisecond
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.Zero(t, r.ledger.count())
	assert.Equal(t, "This meal has 420 calories.", o.View().AssistantText)
}

func TestOrchestrator_UnplayedAssetCannotBeReplayedLater(t *testing.T) {
	r := newRig()
	r.element.blockFirst = true
	r.opts.ManualPlayTimeout = 20 * time.Millisecond
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	err := o.ReplayAudio(context.Background())
	assert.ErrorIs(t, err, application.ErrNoAsset)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, r.element.playCount())
	assert.Zero(t, r.ledger.count())
}

func TestOrchestrator_FailedPlaybackIsNotReplayable(t *testing.T) {
	r := newRig()
	r.element.failWith = errors.New("decode error")
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	assert.ErrorIs(t, o.ReplayAudio(context.Background()), application.ErrNoAsset)
	assert.Zero(t, r.ledger.count())
}

func TestOrchestrator_ReplayAfterTurnDoesNotDebitAgain(t *testing.T) {
	r := newRig()
	o := r.build()
	defer o.Close()

	runTurn(t, o)
	require.NoError(t, o.ReplayAudio(context.Background()))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, r.element.playCount())
	assert.Equal(t, 1, r.ledger.count())
}

func TestOrchestrator_CancelRecording(t *testing.T) {
	r := newRig()
	r.capture.block = true
	o := r.build()
	defer o.Close()

	require.Equal(t, application.TapStarted, o.TapMic())
	require.Eventually(t, func() bool {
		return o.State() == domain.StateRecording
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, application.TapCancelled, o.TapMic())
	o.Wait()

	assert.Equal(t, domain.StateIdle, o.State())
	_, errored := r.presenter.find(domain.StateError)
	assert.False(t, errored)
	assert.Zero(t, r.profiles.loads)
	assert.Zero(t, r.dialogue.count())
}

func TestOrchestrator_OneTurnInFlight(t *testing.T) {
	r := newRig()
	r.gate.release = make(chan struct{})
	o := r.build()
	defer o.Close()

	require.Equal(t, application.TapStarted, o.TapMic())
	require.Equal(t, domain.StateAwaitingPermission, o.State())

	var wg sync.WaitGroup
	results := make(chan application.TapResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- o.TapMic()
		}()
	}
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, application.TapIgnored, res)
	}

	close(r.gate.release)
	o.Wait()

	assert.Equal(t, 1, r.capture.calls)
	assert.Equal(t, 1, r.dialogue.count())
	assert.Equal(t, 1, r.ledger.count())
}

func TestOrchestrator_DebitFailureIsWarning(t *testing.T) {
	r := newRig()
	r.ledger.err = errors.New("ledger unavailable")
	o := r.build()
	defer o.Close()

	runTurn(t, o)

	_, errored := r.presenter.find(domain.StateError)
	assert.False(t, errored, "debit failure is never an error state")
	idle := o.View()
	assert.True(t, idle.Warning)
	assert.NotEmpty(t, idle.Message)
	assert.Equal(t, 1, r.profiles.refreshes)
	assert.Len(t, r.journal.entries, 1)
}

func TestOrchestrator_CloseReleasesAudio(t *testing.T) {
	r := newRig()
	r.element.blockFirst = true
	o := r.build()

	require.Equal(t, application.TapStarted, o.TapMic())
	require.Eventually(t, func() bool {
		return o.View().Affordance == domain.AffordanceManualPlay
	}, 2*time.Second, 5*time.Millisecond)

	o.Close()

	assert.Equal(t, domain.StateIdle, o.State())
	assert.Equal(t, application.TapIgnored, o.TapMic())
	assert.Zero(t, r.ledger.count())
	assert.GreaterOrEqual(t, r.element.stops, 1)
}

func TestOrchestrator_ReplayAfterClose(t *testing.T) {
	o := newRig().build()
	o.Close()

	err := o.ReplayAudio(context.Background())
	assert.ErrorIs(t, err, application.ErrNotRunning)
}
