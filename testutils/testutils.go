// Package testutils provides the helpers shared by this module's tests: context helpers, a
// channel-backed [ariadne.ConfigSink], canonical resource fixtures and an in-process fake control
// plane.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/ariadne-xds/ariadne"
)

// RequireProtoEqual fails the test if the two messages are not equal, showing a field-level diff.
// require.Equal is not safe on protos because of their unexported internal state.
func RequireProtoEqual(t testing.TB, want, got proto.Message) {
	t.Helper()
	if diff := cmp.Diff(want, got, protocmp.Transform()); diff != "" {
		require.FailNow(t, "protos are not equal", "(-want +got):\n%s", diff)
	}
}

func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

func ContextWithTimeout(tb testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tb.Cleanup(cancel)
	return ctx
}

// A SinkEvent is either a delivered snapshot or a resolution error, never both.
type SinkEvent struct {
	Snapshot *ariadne.ConfigSnapshot
	Err      error
}

// ChanConfigSink is an [ariadne.ConfigSink] that forwards every invocation to the underlying
// channel. Create it with enough capacity for the expected events: the sink contract requires
// non-blocking delivery.
type ChanConfigSink chan SinkEvent

func NewChanConfigSink() ChanConfigSink {
	return make(ChanConfigSink, 100)
}

func (c ChanConfigSink) OnUpdate(snapshot *ariadne.ConfigSnapshot) {
	c <- SinkEvent{Snapshot: snapshot}
}

func (c ChanConfigSink) OnResolutionError(err error) {
	c <- SinkEvent{Err: err}
}

// WaitForSnapshot blocks until the sink receives a snapshot, failing the test on a resolution
// error or after 5s.
func (c ChanConfigSink) WaitForSnapshot(t testing.TB) *ariadne.ConfigSnapshot {
	t.Helper()
	select {
	case ev := <-c:
		require.NoError(t, ev.Err)
		require.NotNil(t, ev.Snapshot)
		return ev.Snapshot
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a snapshot")
		return nil
	}
}

// WaitForResolutionError blocks until the sink receives a resolution error, failing the test on a
// snapshot or after 30s (resolution errors only surface after the watch expiry window).
func (c ChanConfigSink) WaitForResolutionError(t testing.TB) error {
	t.Helper()
	select {
	case ev := <-c:
		require.Error(t, ev.Err)
		require.Nil(t, ev.Snapshot)
		return ev.Err
	case <-time.After(30 * time.Second):
		t.Fatalf("timed out waiting for a resolution error")
		return nil
	}
}

// ExpectNoEvent asserts the sink stays silent for the given duration.
func (c ChanConfigSink) ExpectNoEvent(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case ev := <-c:
		t.Fatalf("expected no event, got %+v", ev)
	case <-time.After(d):
	}
}
