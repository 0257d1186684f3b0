package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierName(t *testing.T) {
	n := notify.NewWebhookNotifier(notify.WebhookConfig{Name: "pager"})
	assert.Equal(t, "webhook:pager", n.Name())

	def := notify.NewWebhookNotifier(notify.WebhookConfig{})
	assert.Equal(t, "webhook", def.Name())
}

func TestWebhookNotifierSupportsKind(t *testing.T) {
	all := notify.NewWebhookNotifier(notify.WebhookConfig{})
	assert.True(t, all.SupportsKind(notify.RotationFailed))

	scoped := notify.NewWebhookNotifier(notify.WebhookConfig{Kinds: []notify.Kind{notify.RotationComplete}})
	assert.True(t, scoped.SupportsKind(notify.RotationComplete))
	assert.False(t, scoped.SupportsKind(notify.RotationFailed))
}

func TestWebhookNotifierValidate(t *testing.T) {
	bad := notify.NewWebhookNotifier(notify.WebhookConfig{})
	assert.Error(t, bad.Validate())

	good := notify.NewWebhookNotifier(notify.WebhookConfig{URL: "https://hooks.example.com/rotate"})
	assert.NoError(t, good.Validate())
}

func TestWebhookNotifierSendSuccess(t *testing.T) {
	var received webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(notify.WebhookConfig{URL: srv.URL})
	err := n.Send(context.Background(), notify.Event{
		Kind:         notify.RotationComplete,
		CredentialID: "cred-1",
		ScopeID:      "org:acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "rotation_complete", received.Kind)
	assert.Equal(t, "cred-1", received.CredentialID)
}

type webhookBody struct {
	Kind         string `json:"event"`
	CredentialID string `json:"credential_id"`
}

func TestWebhookNotifierRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:   srv.URL,
		Retry: notify.WebhookRetry{MaxAttempts: 5, InitialWait: time.Millisecond},
	})
	err := n.Send(context.Background(), notify.Event{Kind: notify.RotationFailed})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestWebhookNotifierExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:   srv.URL,
		Retry: notify.WebhookRetry{MaxAttempts: 2, InitialWait: time.Millisecond},
	})
	err := n.Send(context.Background(), notify.Event{Kind: notify.RotationFailed})
	assert.Error(t, err)
}

func TestLogNotifierSupportsAllKinds(t *testing.T) {
	n := notify.NewLogNotifier(nil)
	assert.True(t, n.SupportsKind(notify.RotationScheduled))
	assert.True(t, n.SupportsKind(notify.ValidationFailed))
	assert.NoError(t, n.Send(context.Background(), notify.Event{Kind: notify.RotationComplete}))
}

type recordingNotifier struct {
	name   string
	onSend chan notify.Event
}

func (r *recordingNotifier) Name() string                 { return r.name }
func (r *recordingNotifier) SupportsKind(notify.Kind) bool { return true }
func (r *recordingNotifier) Send(_ context.Context, event notify.Event) error {
	if r.onSend != nil {
		r.onSend <- event
	}
	return nil
}

func TestManagerDispatchesToRegisteredNotifiers(t *testing.T) {
	mgr := notify.NewManager(10, obs.NopLogger{})
	received := make(chan notify.Event, 1)
	mgr.Register(&recordingNotifier{name: "rec", onSend: received})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	mgr.Send(notify.Event{Kind: notify.RotationStarting, CredentialID: "cred-1"})

	select {
	case ev := <-received:
		assert.Equal(t, notify.RotationStarting, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("notifier did not receive dispatched event")
	}
}

func TestManagerDropsWhenQueueFull(t *testing.T) {
	mgr := notify.NewManager(1, obs.NopLogger{})
	block := make(chan struct{})
	mgr.Register(&blockingNotifier{release: block})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer func() {
		close(block)
		mgr.Stop()
	}()

	for i := 0; i < 10; i++ {
		mgr.Send(notify.Event{Kind: notify.RotationComplete})
	}
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, mgr.Dropped(), int64(0))
}

type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) Name() string                    { return "blocking" }
func (b *blockingNotifier) SupportsKind(notify.Kind) bool    { return true }
func (b *blockingNotifier) Send(context.Context, notify.Event) error {
	<-b.release
	return nil
}

func TestManagerSendBeforeStartIsNoop(t *testing.T) {
	mgr := notify.NewManager(1, obs.NopLogger{})
	mgr.Send(notify.Event{Kind: notify.RotationComplete})
	assert.EqualValues(t, 0, mgr.Dropped())
}
