package rewrite

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/fault"
)

func TestTokenEnterBeforeCancel(t *testing.T) {
	tok := NewToken(context.Background())
	defer tok.Release()

	require.NoError(t, tok.Enter("paste"))
	assert.True(t, tok.Cancel())
	assert.False(t, tok.Cancel(), "second cancel reports false")

	err := tok.Enter("history")
	assert.True(t, fault.IsCancelled(err))
	assert.Equal(t, []string{"paste"}, tok.Entered())
	assert.Error(t, tok.Context().Err())
}

func TestTokenCancelledBeforeAnyStep(t *testing.T) {
	tok := NewToken(context.Background())
	tok.Cancel()

	assert.True(t, tok.Cancelled())
	assert.ErrorIs(t, tok.Enter("paste"), fault.ErrCancelled)
	assert.Empty(t, tok.Entered())
}

func TestTokenReleaseIsNotCancel(t *testing.T) {
	tok := NewToken(context.Background())
	tok.Release()

	assert.False(t, tok.Cancelled())
	assert.NoError(t, tok.Enter("paste"))
}

func TestTokenLinearizable(t *testing.T) {
	// Whatever the interleaving, a step is either entered or refused, and
	// nothing is entered after the cancel was observed.
	for i := 0; i < 200; i++ {
		tok := NewToken(context.Background())
		var wg sync.WaitGroup
		var enterErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			enterErr = tok.Enter("paste")
		}()
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
		wg.Wait()

		entered := tok.Entered()
		if enterErr == nil {
			assert.Equal(t, []string{"paste"}, entered)
		} else {
			assert.Empty(t, entered)
		}
		assert.ErrorIs(t, tok.Enter("history"), fault.ErrCancelled)
	}
}
