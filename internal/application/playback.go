package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"sally/internal/domain"
)

// AssetURIPrefix prefixes the single-use URI minted for every loaded asset.
const AssetURIPrefix = "/api/audio/"

type PlayResult int

const (
	PlayStarted PlayResult = iota
	PlayBlocked
)

func (r PlayResult) String() string {
	if r == PlayBlocked {
		return "blocked"
	}
	return "started"
}

var (
	ErrNoAsset          = errors.New("no audio asset loaded")
	ErrPlaybackReleased = errors.New("audio asset released before playback ended")
)

type loadedAsset struct {
	asset   *domain.AudioAsset
	uri     string
	done    chan error
	settled bool
}

// PlaybackController owns the single audio element. At most one asset is
// loaded at a time and its completion is delivered exactly once.
type PlaybackController struct {
	element AudioElement
	logger  *slog.Logger

	mu      sync.Mutex
	current *loadedAsset
}

func NewPlaybackController(element AudioElement, logger *slog.Logger) *PlaybackController {
	return &PlaybackController{
		element: element,
		logger:  logger,
	}
}

// Load stops and releases the previous asset, then makes asset current. The
// returned channel receives exactly one value: nil once the asset has played
// to completion, or the error that ended it.
func (p *PlaybackController) Load(asset *domain.AudioAsset) (string, <-chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked()

	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	cur := &loadedAsset{
		asset: asset,
		uri:   AssetURIPrefix + asset.ID,
		done:  make(chan error, 1),
	}
	p.current = cur

	p.logger.Debug("audio asset loaded", "asset", asset.ID, "mime", asset.MIMEType, "bytes", len(asset.Data))
	return cur.uri, cur.done
}

// Play starts the current asset. A platform autoplay block is reported as
// PlayBlocked, not as an error.
func (p *PlaybackController) Play(ctx context.Context) (PlayResult, error) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()

	if cur == nil {
		return PlayStarted, ErrNoAsset
	}

	err := p.element.Play(ctx, cur.asset, cur.uri, p.completion(cur))
	if errors.Is(err, domain.ErrAutoplayBlocked) {
		p.logger.Info("autoplay blocked, waiting for user gesture", "asset", cur.asset.ID)
		return PlayBlocked, nil
	}
	if err != nil {
		p.complete(cur, err)
		return PlayStarted, err
	}
	return PlayStarted, nil
}

func (p *PlaybackController) completion(cur *loadedAsset) func(error) {
	return func(err error) {
		p.complete(cur, err)
	}
}

func (p *PlaybackController) complete(cur *loadedAsset, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur.settled {
		p.logger.Debug("ignoring repeated playback completion", "asset", cur.asset.ID)
		return
	}
	if p.current != cur {
		p.logger.Debug("ignoring completion of superseded asset", "asset", cur.asset.ID)
		return
	}
	cur.settled = true
	cur.done <- err
}

// Asset resolves the id of a single-use URI. Released assets are gone.
func (p *PlaybackController) Asset(id string) (*domain.AudioAsset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.asset.ID != id {
		return nil, false
	}
	return p.current.asset, true
}

// CanPlay reports whether the audio element decodes mimeType.
func (p *PlaybackController) CanPlay(mimeType string) bool {
	if fc, ok := p.element.(FormatChecker); ok {
		return fc.CanPlay(mimeType)
	}
	return true
}

// Loaded reports whether an asset is currently held.
func (p *PlaybackController) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Release stops playback and revokes the current asset.
func (p *PlaybackController) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

func (p *PlaybackController) releaseLocked() {
	cur := p.current
	if cur == nil {
		return
	}
	p.element.Stop()
	if !cur.settled {
		cur.settled = true
		cur.done <- ErrPlaybackReleased
	}
	p.current = nil
	p.logger.Debug("audio asset released", "asset", cur.asset.ID)
}
