// Package engine defines the inference capability the voice service drives.
// The network itself lives outside this process; implementations only have to
// satisfy Model for the role they were loaded for.
package engine

import (
	"context"
	"fmt"
)

// Role selects which checkpoint a Model was loaded from.
type Role int

const (
	RoleDesign Role = iota + 1
	RoleSynthesis
)

func (r Role) String() string {
	switch r {
	case RoleDesign:
		return "design"
	case RoleSynthesis:
		return "synthesis"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// LoadSpec describes a model to load.
type LoadSpec struct {
	Family   string
	Role     Role
	Path     string
	Device   string
	AttnImpl string
}

// Waveform is a complete mono waveform in the engine's native float samples.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Frame is one decoded slice of a streamed waveform.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// VoicePrompt is the derived conditioning artifact for one speaker. Callers
// treat Data as opaque.
type VoicePrompt struct {
	SpeakerID string
	Data      []byte
}

// DesignInput asks a design model for a reference utterance.
type DesignInput struct {
	Text     string
	Language string
	Instruct string
}

// Reference points at the artifacts a voice prompt is built from.
type Reference struct {
	SpeakerID string
	AudioPath string
	Text      string
}

// StreamParams tune how often decoded audio is emitted.
type StreamParams struct {
	EmitEveryFrames     int
	DecodeWindowFrames  int
	FirstChunkEmitEvery int
	FirstChunkFrames    int
}

// CloneInput asks a synthesis model for speech in a prompted voice.
type CloneInput struct {
	Text     string
	Language string
	Emotion  []string
	Prompt   VoicePrompt
	Stream   StreamParams
}

// Model is a resident checkpoint. Design methods are only valid on RoleDesign
// models and clone methods only on RoleSynthesis models; the other role
// returns ErrWrongRole.
type Model interface {
	Role() Role
	GenerateVoiceDesign(ctx context.Context, in DesignInput) (Waveform, error)
	CreateVoiceClonePrompt(ctx context.Context, ref Reference) (VoicePrompt, error)
	// GenerateVoiceClone streams frames in decode order. The frame channel is
	// closed when generation ends; at most one error is delivered.
	GenerateVoiceClone(ctx context.Context, in CloneInput) (<-chan Frame, <-chan error)
	// Healthy reports whether the model can still serve requests.
	Healthy() bool
	Close() error
}

// Loader allocates a Model on the compute device.
type Loader interface {
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// ErrWrongRole is returned when a method is called on a model of the other role.
type ErrWrongRole struct {
	Have Role
	Want Role
}

func (e ErrWrongRole) Error() string {
	return fmt.Sprintf("model loaded for %s, operation needs %s", e.Have, e.Want)
}
