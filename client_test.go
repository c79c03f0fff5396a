package voicetutor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopeer/voicetutor/shared"
)

func TestNewClientValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, nil, ClientOptions{APIKey: "sk-test"})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewClient(ctx, shared.NewNopLogger(), ClientOptions{})
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)

	_, err = NewClient(ctx, shared.NewNopLogger(), ClientOptions{APIKey: "sk-test", BaseURL: "%zz"})
	assert.Error(t, err)
}

func TestClientHandlerRegistration(t *testing.T) {
	c, err := NewClient(context.Background(), shared.NewNopLogger(), ClientOptions{APIKey: "sk-test"})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.AddAudioTrack()
	require.NoError(t, err)
	_, err = c.AddAudioTrack()
	assert.ErrorIs(t, err, shared.ErrHandlerAlreadySet)

	require.NoError(t, c.RegisterStateHandler(func(webrtc.PeerConnectionState) {}))
	assert.ErrorIs(t, c.RegisterStateHandler(func(webrtc.PeerConnectionState) {}), shared.ErrHandlerAlreadySet)
	assert.Error(t, c.RegisterTrackRemoteHandler(nil))

	require.NoError(t, c.RegisterEventHandler(func(*ServerEvent) {}))
	assert.ErrorIs(t, c.RegisterEventHandler(func(*ServerEvent) {}), shared.ErrHandlerAlreadySet)

	require.NoError(t, c.SetStartEvents(&ClientEvent{
		Type:  ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{Instructions: "hello"},
	}))
}

func TestClientCloseIdempotent(t *testing.T) {
	c, err := NewClient(context.Background(), shared.NewNopLogger(), ClientOptions{APIKey: "sk-test"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Nil(t, c.DC())
}

func TestClientStartRequiresEventHandler(t *testing.T) {
	c, err := NewClient(context.Background(), shared.NewNopLogger(), ClientOptions{APIKey: "sk-test"})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.ErrorIs(t, c.Start(), shared.ErrNoEventHandler)
}

func TestClientSendEventBeforeInit(t *testing.T) {
	c := &Client{logger: shared.NewNopLogger()}
	err := c.SendEvent(&ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Voice: "alloy"},
	})
	assert.ErrorIs(t, err, shared.ErrNotInitialized)
}

func TestCreateCall(t *testing.T) {
	const (
		offerSDP  = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=offer\r\n"
		answerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=answer\r\n"
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/realtime/calls", r.URL.Path)
		assert.Equal(t, "gpt-realtime", r.URL.Query().Get("model"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, offerSDP, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(answerSDP))
	}))
	defer srv.Close()

	c := newTestCallClient(t, srv.URL)
	answer, err := c.createCall(offerSDP)
	require.NoError(t, err)
	assert.Equal(t, answerSDP, answer)
}

func TestCreateCallRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := newTestCallClient(t, srv.URL)
	_, err := c.createCall("v=0\r\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 401")
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestCreateCallRespectsContext(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c := newTestCallClient(t, srv.URL)
	c.cancel(context.Canceled)
	_, err := c.createCall("v=0\r\n")
	assert.Error(t, err)
}

func newTestCallClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	return &Client{
		logger:  shared.NewNopLogger(),
		baseUrl: u,
		apiKey:  "sk-test",
		model:   "gpt-realtime",
		ctx:     ctx,
		cancel:  cancel,
	}
}
