package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type id string

func (i id) String() string { return string(i) }

func TestTagsAndLevel(t *testing.T) {
	defer SetLogger(nil)
	buf := &bytes.Buffer{}
	require.NoError(t, Init("info", buf))

	ctx := WithProcess(context.Background(), id("P1"))
	Debugf(ctx, "hidden %d", 1)
	Infof(ctx, "visible %d", 2)
	Eventf(ctx, "ENVIO", 7, "sent %q", "hello")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "visible 2")
	require.Contains(t, out, `"p": "P1"`)
	require.Contains(t, out, `"event": "ENVIO"`)
	require.Contains(t, out, `"lamport": 7`)
}

func TestInvalidLevel(t *testing.T) {
	require.Error(t, Init("loud", &bytes.Buffer{}))
}

func TestNopByDefault(t *testing.T) {
	SetLogger(nil)
	// Must not panic without configuration
	Errorf(context.Background(), "nothing %v", "here")
}
