package local

import (
	"github.com/go-go-golems/pocketllm/pkg/backend"
)

// LoadStatus is the result code of a model load attempt.
type LoadStatus int

const (
	// LoadOK means the model is loaded and ready for inference.
	LoadOK LoadStatus = 0
	// LoadCorruptedState means the runtime holds stale state from a previous
	// model and must be unloaded before retrying.
	LoadCorruptedState LoadStatus = -1
	// LoadModelFailed means the model weights could not be loaded.
	LoadModelFailed LoadStatus = 1
	// LoadContextFailed means the inference context could not be created.
	LoadContextFailed LoadStatus = 2
	// LoadProjectorFailed means the multimodal projector could not be loaded.
	LoadProjectorFailed LoadStatus = 3
)

// Progress is one step of an in-flight generation. Phase transitions end
// with PhaseComplete; TokenText carries the newly generated fragment during
// PhaseGenerating.
type Progress struct {
	Phase           string
	TokensGenerated int
	TokenText       string
}

const (
	PhaseLoading    = "loading"
	PhasePrompt     = "prompt"
	PhaseGenerating = "generating"
	PhaseComplete   = "complete"
)

// LoadOptions tune how a model is mapped into memory.
type LoadOptions struct {
	ContextSize       int
	GPUOffloadPercent int
	// ProjectorPath points at the multimodal projector file, empty for
	// text-only models.
	ProjectorPath string
}

// Runtime abstracts the native inference library. Implementations hold at
// most one loaded model at a time.
//
// InferChat blocks until generation finishes and returns the full response
// text. Failures inside the native layer are reported by an "ERROR: " prefix
// on the returned string rather than a Go error. Progress updates are sent
// to the channel passed to InferChat; the update with Phase == PhaseComplete
// is terminal and the channel is closed after it.
type Runtime interface {
	Init() error
	LoadModel(path string, opts LoadOptions) LoadStatus
	InferChat(messages []backend.ChatMessage, params backend.GenerationParams, progress chan<- Progress) string
	// Cancel interrupts an in-flight InferChat, which then returns the text
	// generated so far.
	Cancel()
	// Unload releases the loaded model. Calling it with no model loaded is a
	// no-op.
	Unload()
}
