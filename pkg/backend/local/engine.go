package local

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/pocketllm/pkg/backend"
	"github.com/go-go-golems/pocketllm/pkg/conversation"
	"github.com/go-go-golems/pocketllm/pkg/events"
	"github.com/go-go-golems/pocketllm/pkg/tokens"
)

// runtimeErrorPrefix marks failures reported in-band by the native layer.
const runtimeErrorPrefix = "ERROR: "

// Engine runs inference against a locally loaded model. At most one model is
// resident at a time and completions are serialized; loading a different
// model unloads the current one first.
//
// Tools in the request are ignored, local models do not do tool calling
// here.
type Engine struct {
	runtime Runtime
	config  *backend.Config

	mu            sync.Mutex
	initialized   bool
	loadedModelID string
	loadedModel   Model
}

func NewEngine(runtime Runtime, options ...backend.Option) (*Engine, error) {
	config, err := backend.NewConfig(options...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		runtime: runtime,
		config:  config,
	}, nil
}

// EnsureLoaded makes model the resident model, validating its file and
// swapping out whatever was loaded before. Loading the already resident
// model is a no-op.
func (e *Engine) EnsureLoaded(ctx context.Context, model Model) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadedModelID == model.ID {
		return nil
	}

	if !e.initialized {
		if err := e.runtime.Init(); err != nil {
			return errors.Wrapf(backend.ErrBackendUnavailable, "runtime init: %v", err)
		}
		e.initialized = true
	}

	if err := ValidateModelFile(model.Path); err != nil {
		return err
	}

	if e.loadedModelID != "" {
		log.Debug().Str("model_id", e.loadedModelID).Msg("unloading resident model")
		e.runtime.Unload()
		e.loadedModelID = ""
	}

	opts := LoadOptions{
		ContextSize:       model.ContextWindow,
		GPUOffloadPercent: model.GPUOffloadPercent,
		ProjectorPath:     model.ProjectorPath,
	}

	status := e.runtime.LoadModel(model.Path, opts)
	if status == LoadCorruptedState {
		// Stale native state from an earlier load; unload and retry once.
		log.Warn().Str("model_id", model.ID).Msg("runtime reported corrupted state, retrying load")
		e.runtime.Unload()
		status = e.runtime.LoadModel(model.Path, opts)
	}

	switch status {
	case LoadOK:
		e.loadedModelID = model.ID
		e.loadedModel = model
		log.Info().Str("model_id", model.ID).Str("path", model.Path).Msg("model loaded")
		return nil
	case LoadModelFailed:
		return errors.Wrapf(backend.ErrBackendUnavailable, "failed to load model weights from %s", model.Path)
	case LoadContextFailed:
		return errors.Wrapf(backend.ErrBackendUnavailable, "failed to create inference context for %s", model.ID)
	case LoadProjectorFailed:
		return errors.Wrapf(backend.ErrBackendUnavailable, "failed to load projector %s", model.ProjectorPath)
	default:
		return errors.Wrapf(backend.ErrBackendUnavailable, "model load returned status %d", status)
	}
}

// Unload releases the resident model. Safe to call repeatedly.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadedModelID == "" {
		return
	}
	e.runtime.Unload()
	e.loadedModelID = ""
	e.loadedModel = Model{}
}

// LoadedModelID returns the id of the resident model, empty when none.
func (e *Engine) LoadedModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedModelID
}

func (e *Engine) StreamCompletion(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	return e.infer(ctx, req, true)
}

func (e *Engine) Complete(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	return e.infer(ctx, req, false)
}

func (e *Engine) infer(ctx context.Context, req *backend.Request, publishPartials bool) (*backend.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadedModelID == "" {
		return nil, errors.Wrap(backend.ErrBackendUnavailable, "no model loaded")
	}

	metadata := req.Metadata
	if publishPartials {
		e.publishEvent(ctx, events.NewStartEvent(metadata))
	}

	params := req.Params
	if params.ContextWindow == 0 {
		params.ContextWindow = e.loadedModel.ContextWindow
	}

	progress := make(chan Progress, 64)

	// The cancel watcher must stop once InferChat returns, otherwise a later
	// context cancellation would interrupt someone else's inference.
	inferDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.runtime.Cancel()
		case <-inferDone:
		}
	}()

	g := &errgroup.Group{}
	var text string
	g.Go(func() error {
		for p := range progress {
			if p.Phase == PhaseComplete {
				return nil
			}
			if p.Phase == PhaseGenerating && p.TokenText != "" {
				text += p.TokenText
				if publishPartials {
					e.publishEvent(ctx, events.NewPartialCompletionEvent(metadata, p.TokenText, text))
				}
			}
		}
		return nil
	})

	result := e.runtime.InferChat(req.Messages, params, progress)
	close(inferDone)
	_ = g.Wait()

	if ctx.Err() != nil {
		if publishPartials {
			e.publishEvent(ctx, events.NewInterruptEvent(metadata, result))
		}
		return nil, errors.WithStack(backend.ErrCancelled)
	}

	if strings.HasPrefix(result, runtimeErrorPrefix) {
		msg := strings.TrimPrefix(result, runtimeErrorPrefix)
		wrapped := errors.Wrapf(backend.ErrBackendUnavailable, "inference failed: %s", msg)
		if publishPartials {
			e.publishEvent(ctx, events.NewErrorEvent(metadata, wrapped))
		}
		return nil, wrapped
	}

	visible, thinking := backend.SplitThinking(result)

	usage := &conversation.TokenUsage{
		PromptTokens:     estimatePrompt(req),
		CompletionTokens: tokens.Estimate(result),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	metadata.Usage = &events.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	stopReason := "stop"
	metadata.StopReason = &stopReason

	if publishPartials {
		e.publishEvent(ctx, events.NewFinalEvent(metadata, visible))
	}

	return &backend.Response{
		Text:       visible,
		Thinking:   thinking,
		Usage:      usage,
		StopReason: stopReason,
	}, nil
}

func estimatePrompt(req *backend.Request) int {
	total := 0
	if req.Params.SystemPrompt != "" {
		total += tokens.Estimate(req.Params.SystemPrompt) + tokens.PerMessageOverhead
	}
	for _, msg := range req.Messages {
		total += tokens.Estimate(msg.Content) + tokens.PerMessageOverhead
	}
	return total
}

func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if err := e.config.PublishEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event")
	}
}

var _ backend.Engine = (*Engine)(nil)
