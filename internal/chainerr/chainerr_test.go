package chainerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesClass(t *testing.T) {
	err := Transport("dial failed", errors.New("boom"))
	assert.True(t, Is(err, ClassTransport))
	assert.False(t, Is(err, ClassStorage))
}

func TestAsSemanticExtractsReason(t *testing.T) {
	err := Semantic(SemanticNonceTooLow, "nonce too low", nil)
	reason, ok := AsSemantic(err)
	assert.True(t, ok)
	assert.Equal(t, SemanticNonceTooLow, reason)
}

func TestAsSemanticFalseForOtherClasses(t *testing.T) {
	err := Storage("lock timeout", nil, true)
	_, ok := AsSemantic(err)
	assert.False(t, ok)
}

func TestInvariantRecordsCallSite(t *testing.T) {
	err := Invariant("unreachable", 0)
	assert.Contains(t, err.File, "chainerr_test.go")
	assert.Greater(t, err.Line, 0)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Transport("wrapped", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorMessageIncludesClass(t *testing.T) {
	err := Configuration("bad config", nil)
	assert.Contains(t, err.Error(), "configuration")
}
