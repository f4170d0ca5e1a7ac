package foxglove

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gyrolink/pkg/logger"
	"gyrolink/pkg/protocol"
)

const (
	EventChannelID uint64 = iota + 1
	MarkerChannelID
	TransformChannelID
	LogChannelID
)

// Feed is a source of session events, such as *session.Session or
// *engine.Hub.
type Feed interface {
	Subscribe() chan protocol.Event
	Unsubscribe(ch chan protocol.Event)
}

type Server struct {
	cfg     Config
	feed    Feed
	log     *zap.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func NewServer(cfg Config, feed Feed, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		feed:    feed,
		log:     zap.NewNop(),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves Foxglove WebSocket clients on cfg.WSAddr until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:              s.cfg.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sub := s.feed.Subscribe()
	defer s.feed.Unsubscribe(sub)
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info("foxglove bridge listening", zap.String("addr", s.cfg.WSAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"foxglove.websocket.v1"},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer func() {
		c.close()
		s.removeClient(c)
	}()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}

	go c.writeLoop()
	c.readLoop(s.supportedChannels())
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		EventChannelID:     {},
		MarkerChannelID:    {},
		TransformChannelID: {},
		LogChannelID:       {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          uuid.NewString(),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{
			ID:             EventChannelID,
			Topic:          s.cfg.EventTopic,
			Encoding:       "json",
			SchemaName:     "gyrolink.Event",
			SchemaEncoding: "jsonschema",
			Schema:         DefaultEventSchema,
		},
		{
			ID:             MarkerChannelID,
			Topic:          s.cfg.MarkerTopic,
			Encoding:       "json",
			SchemaName:     "visualization_msgs/Marker",
			SchemaEncoding: "jsonschema",
			Schema:         DefaultMarkerSchema,
		},
		{
			ID:             TransformChannelID,
			Topic:          s.cfg.TransformTopic,
			Encoding:       "json",
			SchemaName:     "foxglove.FrameTransforms",
			SchemaEncoding: "jsonschema",
			Schema:         DefaultFrameTransformSchema,
		},
		{
			ID:             LogChannelID,
			Topic:          s.cfg.LogTopic,
			Encoding:       "json",
			SchemaName:     "foxglove.Log",
			SchemaEncoding: "jsonschema",
			Schema:         DefaultLogSchema,
		},
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) broadcastEvent(ev protocol.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.publishJSONToChannel(EventChannelID, ts, logger.NewRecord(ev))

	if msg, ok := s.logFromEvent(ev, ts); ok {
		s.publishJSONToChannel(LogChannelID, ts, msg)
	}
	if marker, ok := s.markerFromEvent(ev, ts); ok {
		s.publishJSONToChannel(MarkerChannelID, ts, marker)
	}
	if tf, ok := s.transformFromEvent(ev, ts); ok {
		s.publishJSONToChannel(TransformChannelID, ts, tf)
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.Warn("marshal foxglove message", zap.Uint64("channel", channelID), zap.Error(err))
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) logFromEvent(ev protocol.Event, ts time.Time) (LogMessage, bool) {
	line, ok := ev.HistoryLine()
	if !ok {
		return LogMessage{}, false
	}
	level := LogLevelInfo
	switch {
	case ev.Kind == protocol.EventSampleSendFailed:
		level = LogLevelWarning
	case ev.Kind == protocol.EventStatusChanged && ev.Err != nil:
		level = LogLevelError
	}
	return LogMessage{
		Timestamp: frameTime(ts),
		Level:     level,
		Message:   line,
		Name:      s.cfg.LogName,
	}, true
}

func sentQuaternion(ev protocol.Event) (protocol.Quaternion, bool) {
	if ev.Kind != protocol.EventSampleSent || ev.Sample == nil || !ev.Sample.Quaternion.Finite() {
		return protocol.Quaternion{}, false
	}
	return ev.Sample.Quaternion, true
}

func (s *Server) markerFromEvent(ev protocol.Event, ts time.Time) (MarkerMessage, bool) {
	q, ok := sentQuaternion(ev)
	if !ok {
		return MarkerMessage{}, false
	}
	return MarkerMessage{
		Header: MarkerHeader{
			FrameID: s.cfg.FrameID,
			Stamp:   MarkerStamp{Sec: ts.Unix(), Nsec: int64(ts.Nanosecond())},
		},
		NS:     "gyrolink.device",
		ID:     1,
		Type:   markerTypeCube,
		Action: markerActionAdd,
		Pose: MarkerPose{
			Orientation: Quaternion{X: q.X, Y: q.Y, Z: q.Z, W: q.W},
		},
		Scale: Vector3{X: 0.15, Y: 0.3, Z: 0.02},
		Color: ColorRGBA{R: 1, G: 1, B: 1, A: 1},
	}, true
}

func (s *Server) transformFromEvent(ev protocol.Event, ts time.Time) (FrameTransformsMessage, bool) {
	q, ok := sentQuaternion(ev)
	if !ok {
		return FrameTransformsMessage{}, false
	}
	return FrameTransformsMessage{Transforms: []FrameTransformMessage{{
		Timestamp:     frameTime(ts),
		ParentFrameID: s.cfg.ParentFrameID,
		ChildFrameID:  s.cfg.FrameID,
		Rotation:      Quaternion{X: q.X, Y: q.Y, Z: q.Z, W: q.W},
	}}}, true
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

// closeClients drops hijacked websocket connections, which
// http.Server.Shutdown does not track.
func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg []byte) {
	defer func() {
		// send may already be closed by a concurrent close.
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
