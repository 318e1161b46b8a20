package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureOptionsNormalize(t *testing.T) {
	opts := CaptureOptions{URL: "http://127.0.0.1:8080/panchanga", OutputPath: "/tmp/preview.png"}
	require.NoError(t, opts.normalize())
	assert.Equal(t, DefaultWidth, opts.Width)
	assert.Equal(t, DefaultHeight, opts.Height)
	assert.Equal(t, DefaultTimeoutSec*time.Second, opts.Timeout)

	opts = CaptureOptions{URL: "u", OutputPath: "p", Width: 600, Height: 448, Timeout: time.Second}
	require.NoError(t, opts.normalize())
	assert.Equal(t, 600, opts.Width)
	assert.Equal(t, 448, opts.Height)
}

func TestCaptureRequiresTarget(t *testing.T) {
	err := CapturePanchangaPNG(context.Background(), CaptureOptions{OutputPath: "p"})
	assert.ErrorIs(t, err, ErrNoURL)

	err = CapturePanchangaPNG(context.Background(), CaptureOptions{URL: "http://127.0.0.1/panchanga"})
	assert.ErrorIs(t, err, ErrNoOutput)
}
