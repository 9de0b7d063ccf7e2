package dmesg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedekind/wult/dmesg"
	"github.com/dedekind/wult/host/hosttest"
)

func TestNewMessages(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["dmesg"] = hosttest.Response{
		Stdout: "[1.0] usb 1-1: new device\n[2.0] e1000e: link up\n",
	}

	ctx := context.Background()
	capture, err := dmesg.New(ctx, fake)
	require.NoError(t, err)
	defer capture.Close()

	// Nothing appended yet.
	msgs, err := capture.NewMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Two lines appended after the anchor.
	fake.Responses["dmesg"] = hosttest.Response{
		Stdout: "[1.0] usb 1-1: new device\n[2.0] e1000e: link up\n" +
			"[3.0] wult_igb: probing\n[3.1] wult_igb: firmware missing\n",
	}

	msgs, err = capture.NewMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[3.0] wult_igb: probing\n[3.1] wult_igb: firmware missing", msgs)
}

func TestNewMessagesSurvivesRingRotation(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["dmesg"] = hosttest.Response{
		Stdout: "[1.0] old entry\n[2.0] still here\n",
	}

	ctx := context.Background()
	capture, err := dmesg.New(ctx, fake)
	require.NoError(t, err)
	defer capture.Close()

	// The oldest entry rotated out of the ring buffer; only the
	// genuinely new line must be reported.
	fake.Responses["dmesg"] = hosttest.Response{
		Stdout: "[2.0] still here\n[3.0] fresh entry\n",
	}

	msgs, err := capture.NewMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[3.0] fresh entry", msgs)
}

func TestCaptureFailure(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["dmesg"] = hosttest.Response{ExitCode: 1, Stderr: "dmesg: read kernel buffer failed\n"}

	_, err := dmesg.New(context.Background(), fake)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel log")
}

func TestCloseIdempotent(t *testing.T) {
	fake := hosttest.New()
	fake.Responses["dmesg"] = hosttest.Response{Stdout: "[1.0] entry\n"}

	capture, err := dmesg.New(context.Background(), fake)
	require.NoError(t, err)

	capture.Close()
	capture.Close()

	msgs, err := capture.NewMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
