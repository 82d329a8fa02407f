// Package deepgram implements [stt.Transport] on top of the Deepgram
// streaming WebSocket API.
//
// One Transport holds one connection. Audio frames are written as binary
// messages as they arrive; JSON results are parsed on a read goroutine and
// handed to the registered listeners in arrival order.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/intervox/pkg/event"
	"github.com/MrWong99/intervox/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultAuthScheme = "Token"
	writeTimeout      = 5 * time.Second
	closeTimeout      = 2 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring a [Transport].
type Option func(*Transport)

// WithModel sets the recognition model (e.g. "nova-3").
func WithModel(model string) Option {
	return func(t *Transport) {
		t.model = model
	}
}

// WithLanguage sets the BCP-47 language tag (e.g. "en", "de-DE").
func WithLanguage(language string) Option {
	return func(t *Transport) {
		t.language = language
	}
}

// WithSampleRate sets the sample rate of forwarded audio in Hz.
func WithSampleRate(rate int) Option {
	return func(t *Transport) {
		t.sampleRate = rate
	}
}

// WithChannels sets the channel count of forwarded audio.
func WithChannels(n int) Option {
	return func(t *Transport) {
		t.channels = n
	}
}

// WithBaseURL overrides the streaming endpoint. Used for self-hosted
// deployments and tests.
func WithBaseURL(u string) Option {
	return func(t *Transport) {
		t.baseURL = u
	}
}

// WithAuthScheme sets the Authorization scheme: "Token" (API keys, default)
// or "Bearer" (short-lived access tokens).
func WithAuthScheme(scheme string) Option {
	return func(t *Transport) {
		t.authScheme = scheme
	}
}

// WithKeepAlive sends a KeepAlive message at the given interval while
// connected. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(t *Transport) {
		t.keepAlive = d
	}
}

// WithKeywords boosts recognition of the given terms, e.g. a company name
// mentioned in the interview.
func WithKeywords(keywords ...stt.KeywordBoost) Option {
	return func(t *Transport) {
		t.keywords = append(t.keywords, keywords...)
	}
}

// WithInterimResults toggles delivery of non-final results.
func WithInterimResults(enabled bool) Option {
	return func(t *Transport) {
		t.interim = enabled
	}
}

// Transport implements [stt.Transport] for Deepgram.
type Transport struct {
	apiKey     string
	baseURL    string
	authScheme string
	model      string
	language   string
	sampleRate int
	channels   int
	interim    bool
	keepAlive  time.Duration
	keywords   []stt.KeywordBoost

	transcripts event.Listeners[stt.TranscriptEvent]
	errs        event.Listeners[error]

	mu     sync.Mutex
	state  stt.State
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	framesSent    atomic.Int64
	framesDropped atomic.Int64
}

var _ stt.Transport = (*Transport)(nil)

// New creates a Transport. The credential is sent in the Authorization
// header when connecting and must be non-empty.
func New(apiKey string, opts ...Option) (*Transport, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transport{
		apiKey:     apiKey,
		baseURL:    deepgramEndpoint,
		authScheme: defaultAuthScheme,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		interim:    true,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// buildURL constructs the streaming endpoint URL with recognition parameters.
func (t *Transport) buildURL() (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", t.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(t.sampleRate))
	q.Set("channels", strconv.Itoa(t.channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(t.interim))
	for _, kw := range t.keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State implements [stt.Transport].
func (t *Transport) State() stt.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnTranscript implements [stt.Transport].
func (t *Transport) OnTranscript(fn func(stt.TranscriptEvent)) func() {
	return t.transcripts.Add(fn)
}

// OnError implements [stt.Transport].
func (t *Transport) OnError(fn func(error)) func() {
	return t.errs.Add(fn)
}

// Connect dials the endpoint. It fails fast with [stt.ErrAlreadyConnected]
// while connecting or connected and with [stt.ErrTransportClosed] after
// Close. A failed dial leaves the transport in [stt.StateError]; Connect may
// be called again from that state.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case stt.StateConnecting, stt.StateConnected:
		t.mu.Unlock()
		return stt.ErrAlreadyConnected
	case stt.StateClosed:
		t.mu.Unlock()
		return stt.ErrTransportClosed
	}
	t.state = stt.StateConnecting
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		if t.state == stt.StateConnecting {
			t.state = stt.StateError
		}
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", stt.ErrConnectFailed, err)
	}

	t.mu.Lock()
	if t.state != stt.StateConnecting {
		// Closed while the handshake was in flight.
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "transport closed")
		return stt.ErrTransportClosed
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	t.state = stt.StateConnected
	t.wg.Add(1)
	go t.readLoop(loopCtx, conn)
	if t.keepAlive > 0 {
		t.wg.Add(1)
		go t.keepAliveLoop(loopCtx, conn)
	}
	t.mu.Unlock()

	slog.Info("deepgram: connected", "model", t.model, "language", t.language, "sample_rate", t.sampleRate)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := t.buildURL()
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", t.authScheme+" "+t.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// SendAudio implements [stt.Transport]. Empty frames are skipped because an
// empty binary message ends the stream on the remote side.
func (t *Transport) SendAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.state == stt.StateConnected
	t.mu.Unlock()
	if !connected {
		t.framesDropped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.framesDropped.Add(1)
		slog.Debug("deepgram: dropped audio frame", "bytes", len(frame), "err", err)
		return
	}
	t.framesSent.Add(1)
}

// Stats returns how many frames were sent and dropped so far.
func (t *Transport) Stats() (sent, dropped int64) {
	return t.framesSent.Load(), t.framesDropped.Load()
}

// readLoop receives results until the connection ends.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			t.fail(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, ok, err := parseResponse(msg)
		if err != nil {
			slog.Warn("deepgram: dropping malformed message", "err", err, "bytes", len(msg))
			continue
		}
		if !ok {
			continue
		}
		t.transcripts.EmitWhile(ev, t.open)
	}
}

func (t *Transport) open() bool { return !t.closed.Load() }

// fail moves a live connection into the error state and notifies error
// listeners once. Errors caused by Close are ignored.
func (t *Transport) fail(err error) {
	if t.closed.Load() {
		return
	}
	t.mu.Lock()
	if t.state != stt.StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = stt.StateError
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusInternalError, "read failed")

	if status := websocket.CloseStatus(err); status != -1 {
		err = fmt.Errorf("deepgram: connection closed by server (%d): %w", status, err)
	} else {
		err = fmt.Errorf("deepgram: connection lost: %w", err)
	}
	slog.Warn("deepgram: connection failed", "err", err)
	t.errs.EmitWhile(err, t.open)
}

// keepAliveLoop keeps the stream open during long pauses, e.g. while the
// candidate listens to a question.
func (t *Transport) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msgKeepAlive)
			cancel()
			if err != nil {
				slog.Debug("deepgram: keep-alive failed", "err", err)
			}
		}
	}
}

// Close implements [stt.Transport]. It asks the endpoint to flush with a
// CloseStream message and then closes the socket with a normal closure.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		t.mu.Lock()
		conn := t.conn
		cancel := t.cancel
		wasConnected := t.state == stt.StateConnected
		t.state = stt.StateClosed
		t.conn = nil
		t.mu.Unlock()

		if conn == nil {
			return
		}
		if wasConnected {
			ctx, c := context.WithTimeout(context.Background(), closeTimeout)
			if err := conn.Write(ctx, websocket.MessageText, msgCloseStream); err != nil {
				slog.Debug("deepgram: CloseStream not delivered", "err", err)
			}
			c()
		}
		conn.Close(websocket.StatusNormalClosure, "session closed")
		cancel()
	})
	return nil
}

// Wait blocks until the transport's background goroutines have exited. It
// must not be called from a listener.
func (t *Transport) Wait() {
	t.wg.Wait()
}
