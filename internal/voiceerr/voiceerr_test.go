package voiceerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := E(ErrNotFound, "registry.get", errors.New("speaker abc"))
	wrapped := fmt.Errorf("synthesize: %w", base)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrStorage)
	assert.Equal(t, ErrNotFound, KindOf(wrapped))
}

func TestBareKind(t *testing.T) {
	err := fmt.Errorf("acquire: %w", ErrUnavailable)
	assert.Equal(t, ErrUnavailable, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "invalid request", E(ErrValidation, "", nil).Error())
	assert.Equal(t, "design: invalid request", E(ErrValidation, "design", nil).Error())
	assert.Equal(t, "design: invalid request: text is required",
		Errorf(ErrValidation, "design", "text is required").Error())
}
