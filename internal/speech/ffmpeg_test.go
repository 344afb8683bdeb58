package speech

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFmpegCaptureDefaults(t *testing.T) {
	c := NewFFmpegCapture(FFmpegConfig{})
	assert.Equal(t, "ffmpeg", c.cfg.Command)
	assert.Equal(t, 16000, c.cfg.SampleRate)
	assert.Equal(t, 1, c.cfg.Channels)
	assert.NotEmpty(t, c.cfg.InputFormat)
	assert.NotEmpty(t, c.cfg.InputDevice)
}

func TestFFmpegCaptureArgs(t *testing.T) {
	c := NewFFmpegCapture(FFmpegConfig{InputFormat: "avfoundation", InputDevice: ":1", SampleRate: 8000, Channels: 2})
	args := c.args()

	assert.Equal(t, "-nostdin", args[0])
	assert.Subset(t, args, []string{"avfoundation", ":1", "8000", "2", "s16le"})
	assert.Equal(t, "-", args[len(args)-1])
}

func TestFFmpegCaptureMissingBinary(t *testing.T) {
	c := NewFFmpegCapture(FFmpegConfig{Command: "voxpaste-no-such-recorder"})
	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start ffmpeg")
}

func TestNormalizeStopErr(t *testing.T) {
	assert.NoError(t, normalizeStopErr(nil))
	assert.NoError(t, normalizeStopErr(&exec.ExitError{}))

	other := errors.New("wait: io error")
	assert.Equal(t, other, normalizeStopErr(other))
}
