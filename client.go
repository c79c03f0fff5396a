package voicetutor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/lingopeer/voicetutor/shared"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)

type EventHandler func(event *ServerEvent)

type StateHandler func(state webrtc.PeerConnectionState)

// DataChannelName is the label of the vendor event channel.
const DataChannelName = "oai-events"

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-realtime"
	defaultSTUNServer = "stun:stun.l.google.com:19302"
)

// ClientOptions configures a single negotiation attempt.
type ClientOptions struct {
	APIKey     string
	BaseURL    string // empty means the vendor default
	Model      string
	STUNServer string
}

// Client owns one peer connection, one local audio track, and the event data
// channel. A Client performs exactly one offer/answer exchange; the session
// manager creates a fresh one per attempt.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	model   string

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	audioL  *webrtc.TrackLocalStaticSample
	running bool
	closed  bool

	audioTRH TrackRemoteHandler // track.Kind() == webrtc.RTPCodecTypeAudio
	eh       EventHandler
	sh       StateHandler
	startEvs []*ClientEvent

	state     webrtc.PeerConnectionState
	connected <-chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, opts ClientOptions) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	var baseUrl *url.URL
	if opts.BaseURL != "" {
		baseUrl, err = url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl, _ = url.Parse(defaultBaseURL)
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	stun := opts.STUNServer
	if stun == "" {
		stun = defaultSTUNServer
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &Client{
		logger:  logger,
		baseUrl: baseUrl,
		apiKey:  opts.APIKey,
		model:   model,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stun}},
		},
	})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	connected := make(chan struct{})
	connectedGotClosed := false
	c.connected = connected

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		c.logger.Trace(
			"peer connection state changed",
			zap.String("prev", c.state.String()),
			zap.String("new", state.String()),
		)
		c.state = state
		sh := c.sh
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
		case webrtc.PeerConnectionStateDisconnected:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			c.cancel(errors.New("peer connection state is disconnected"))
		case webrtc.PeerConnectionStateFailed:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			c.cancel(errors.New("peer connection state is failed"))
		case webrtc.PeerConnectionStateClosed:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			c.cancel(errors.New("peer connection state is closed"))
		}
		c.mu.Unlock()
		if sh != nil {
			sh(state)
		}
	})

	c.dc, err = c.pc.CreateDataChannel(DataChannelName, nil)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	return c, nil
}

// Close tears the peer connection down. Idempotent: teardown must succeed no
// matter what state the negotiation reached.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
		c.pc = nil
	}
	c.dc = nil
	c.audioL = nil
	if c.cancel != nil {
		c.cancel(errors.New("client closed"))
	}
	c.running = false
	return nil
}

func (c *Client) DC() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

// AddAudioTrack creates the outbound Opus track and attaches it to the peer
// connection. The caller streams samples into the returned track.
func (c *Client) AddAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, shared.ErrSessionRunning
	}
	if c.audioL != nil {
		return nil, shared.ErrHandlerAlreadySet
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.audioL = track
	return track, nil
}

func (c *Client) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionRunning
	}
	if c.audioTRH != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.audioTRH(track)
		}
	})
	return nil
}

func (c *Client) RegisterStateHandler(handler StateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionRunning
	}
	if c.sh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.sh = handler
	return nil
}

// SetStartEvents sets the configuration events sent in order once the data
// channel opens, typically session.update followed by response.create.
func (c *Client) SetStartEvents(evs ...*ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionRunning
	}
	c.startEvs = evs
	return nil
}

func (c *Client) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionRunning
	}
	if c.eh != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	c.dc.OnOpen(func() {
		c.mu.Lock()
		startEvs := c.startEvs
		c.mu.Unlock()
		for _, ev := range startEvs {
			if err := c.SendEvent(ev); err != nil {
				c.logger.Error("sending start event", err, zap.String("type", string(ev.Type)))
				return
			}
		}
		c.logger.Info("data channel opened and start events sent", zap.Int("count", len(startEvs)))
	})
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel")
			return
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(msg.Data); err != nil {
			if errors.Is(err, shared.ErrUnknownEventType) {
				c.logger.Trace("dropping unknown event", zap.ByteString("data", msg.Data))
				return
			}
			c.logger.Error("can not unmarshal event", err, zap.ByteString("data", msg.Data))
			return
		}
		c.logger.Debug(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		c.eh(event)
	})
	return nil
}

// SendEvent marshals and sends a client event over the data channel.
func (c *Client) SendEvent(ev *ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendEventLocked(ev)
}

func (c *Client) sendEventLocked(ev *ClientEvent) error {
	if c.dc == nil {
		return shared.ErrNotInitialized
	}
	data, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling client event: %w", err)
	}
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("sending client event: %w", err)
	}
	return nil
}

// Start runs the offer/answer exchange against the signaling endpoint.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionRunning
	}
	if c.pc == nil || c.dc == nil {
		return shared.ErrNotInitialized
	}
	if c.eh == nil {
		return shared.ErrNoEventHandler
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.cancel(fmt.Errorf("creating offer: %w", err))
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		c.cancel(fmt.Errorf("setting local description: %w", err))
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	answer, err := c.createCall(offer.SDP)
	if err != nil {
		c.cancel(fmt.Errorf("creating call: %w", err))
		return fmt.Errorf("creating call: %w", err)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		c.cancel(fmt.Errorf("setting remote description: %w", err))
		return fmt.Errorf("setting remote description: %w", err)
	}
	c.running = true
	return nil
}

// createCall POSTs the local SDP offer to the vendor and returns the answer
// SDP. The bearer credential rides in the Authorization header.
func (c *Client) createCall(offer string) (answer string, err error) {
	callUrl := c.baseUrl.JoinPath("/realtime/calls")
	q := callUrl.Query()
	q.Set("model", c.model)
	callUrl.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(callUrl.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/sdp")
	req.SetBodyString(offer)

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-c.ctx.Done():
		return "", c.ctx.Err()
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode()/100 != 2 {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	return string(resp.Body()), nil
}
