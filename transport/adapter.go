package transport

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"callpipe/core"
	"callpipe/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventHandler receives transport-level events. The adapter only
// reports; session state is mutated by the orchestrator alone.
type EventHandler interface {
	OnStart(callID, streamID string, params map[string]string)
	OnMark(streamID, name string)
	OnStop(streamID string)
}

// Config holds the configuration for the media-stream adapter.
type Config struct {
	// FrameBytes is the mu-law payload size of one outbound media
	// message. 640 bytes is 80ms at 8kHz.
	FrameBytes int `json:"frame_bytes"`

	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		FrameBytes:   640,
		WriteTimeout: 5 * time.Second,
	}
}

// wsConn is the subset of *websocket.Conn the adapter drives; tests
// substitute a recording connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// stream is one live media connection.
type stream struct {
	conn    wsConn
	writeMu sync.Mutex // gorilla allows a single concurrent writer
}

// Adapter bridges the orchestrator to the telephony provider's
// bidirectional media websocket: audio out, playback checkpoints and
// interruption clears, transport events back in.
type Adapter struct {
	config  Config
	handler EventHandler
	logger  *core.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

func NewAdapter(config Config, handler EventHandler, logger *core.Logger) *Adapter {
	if config.FrameBytes <= 0 {
		config.FrameBytes = DefaultConfig().FrameBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Adapter{
		config:  config,
		handler: handler,
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// HandleConn reads envelopes off one provider websocket until the
// stream stops or the connection drops, dispatching events to the
// handler. It blocks for the lifetime of the connection.
func (a *Adapter) HandleConn(conn *websocket.Conn) {
	a.serve(conn)
}

func (a *Adapter) serve(conn wsConn) {
	var streamID string
	defer func() {
		conn.Close()
		if streamID != "" {
			a.drop(streamID)
			a.handler.OnStop(streamID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn("media stream read failed", "stream_sid", streamID, "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping undecodable media-stream message", "error", err)
			continue
		}

		switch env.Event {
		case protocol.EventConnected:
			// handshake preamble, nothing to track yet
		case protocol.EventStart:
			if env.Start == nil {
				a.logger.Warn("start event without payload")
				continue
			}
			streamID = env.Start.StreamSid
			a.register(streamID, conn)
			a.handler.OnStart(env.Start.CallSid, streamID, env.Start.CustomParameters)
		case protocol.EventMedia:
			// inbound caller audio; speech recognition happens upstream
		case protocol.EventMark:
			if env.Mark != nil && streamID != "" {
				a.handler.OnMark(streamID, env.Mark.Name)
			}
		case protocol.EventStop:
			return
		default:
			a.logger.Debug("ignoring media-stream event", "event", string(env.Event))
		}
	}
}

// Send delivers one clip as a sequence of fixed-size media frames
// followed by a single mark, and returns the mark name so playback
// completion is observable.
func (a *Adapter) Send(streamID string, clip core.AudioClip) (string, error) {
	st, ok := a.get(streamID)
	if !ok {
		return "", core.ErrStreamNotConnected
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	for _, frame := range Frames(clip.Data, a.config.FrameBytes) {
		env := protocol.MediaMessage(streamID, base64.StdEncoding.EncodeToString(frame))
		if err := a.write(st, env); err != nil {
			return "", fmt.Errorf("transport: send media: %w", err)
		}
	}

	name := "clip-" + uuid.New().String()
	if err := a.write(st, protocol.MarkMessage(streamID, name)); err != nil {
		return "", fmt.Errorf("transport: send mark: %w", err)
	}
	return name, nil
}

// Clear drops every queued-but-unplayed audio frame for a stream. Used
// on barge-in so stale speech stops instantly.
func (a *Adapter) Clear(streamID string) error {
	st, ok := a.get(streamID)
	if !ok {
		return core.ErrStreamNotConnected
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if err := a.write(st, protocol.ClearMessage(streamID)); err != nil {
		return fmt.Errorf("transport: send clear: %w", err)
	}
	return nil
}

// Connected reports whether a stream currently has a live connection.
func (a *Adapter) Connected(streamID string) bool {
	_, ok := a.get(streamID)
	return ok
}

func (a *Adapter) write(st *stream, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	st.conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	return st.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Adapter) register(streamID string, conn wsConn) {
	a.mu.Lock()
	a.streams[streamID] = &stream{conn: conn}
	a.mu.Unlock()
}

func (a *Adapter) drop(streamID string) {
	a.mu.Lock()
	delete(a.streams, streamID)
	a.mu.Unlock()
}

func (a *Adapter) get(streamID string) (*stream, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.streams[streamID]
	return st, ok
}

// Frames splits audio into transport-sized frames; the tail frame may
// be shorter.
func Frames(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[start:end])
	}
	return frames
}
