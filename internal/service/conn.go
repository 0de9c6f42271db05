package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/aixterm/internal/audit"
	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/ipc"
	"github.com/basket/aixterm/internal/otel"
	"github.com/basket/aixterm/internal/shared"
	"github.com/basket/aixterm/internal/telemetry"
)

// conn is one accepted client connection. Requests on it run concurrently;
// frame.Channel serializes their writes.
type conn struct {
	id     string
	ch     *frame.Channel
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func (s *Service) newConn(nc net.Conn) *conn {
	id := shared.NewID()
	ctx, cancel := context.WithCancel(shared.WithConnID(s.lifecycle, id))
	ch := frame.New(nc)
	ch.SetWriteTimeout(writeTimeout)
	return &conn{
		id:       id,
		ch:       ch,
		ctx:      ctx,
		cancel:   cancel,
		logger:   s.logger.With("conn_id", id),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (c *conn) write(resp ipc.Response) error {
	return c.ch.Send(resp)
}

// serveConn reads requests until the client disconnects. Disconnect cancels
// every request still running on the connection.
func (s *Service) serveConn(c *conn) {
	closed := s.metrics.ConnectionOpened(c.ctx)
	c.logger.Debug("connection opened")
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.ch.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.clock.Touch(time.Now())
		closed()
		c.logger.Debug("connection closed")
	}()

	for {
		raw, err := c.ch.Receive()
		if err != nil {
			var perr *frame.ProtocolError
			if errors.As(err, &perr) {
				_ = c.write(ipc.Failure("", ipc.CodeInvalidJSON, "invalid JSON: "+perr.Reason, false))
				continue
			}
			if !errors.Is(err, frame.ErrClosed) && c.ctx.Err() == nil {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		s.clock.Touch(time.Now())

		var req ipc.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = c.write(ipc.Failure(peekID(raw), ipc.CodeInvalidRequest, "request must be an object with string type and id", false))
			continue
		}
		if req.ID == "" {
			req.ID = shared.NewID()
		}
		if req.Type == ipc.TypeCancel {
			_ = c.write(s.handleCancel(c, req))
			continue
		}

		ctx, code, msg := s.startRequest(c, req.ID)
		if code != "" {
			_ = c.write(ipc.Failure(req.ID, code, msg, false))
			continue
		}
		c.wg.Add(1)
		go s.serveRequest(ctx, c, req)
	}
}

// startRequest registers req on the connection and the service. It refuses
// once shutdown has begun so the in-flight wait cannot miss a request.
func (s *Service) startRequest(c *conn, id string) (context.Context, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ipc.CodeShuttingDown, "service is shutting down"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.inflight[id]; dup {
		return nil, ipc.CodeInvalidRequest, fmt.Sprintf("request id %q is already in flight on this connection", id)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight[id] = cancel
	s.requests.Add(1)
	return ctx, "", ""
}

func (c *conn) finish(id string) {
	c.mu.Lock()
	cancel := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) serveRequest(ctx context.Context, c *conn, req ipc.Request) {
	defer c.wg.Done()
	defer s.requests.Done()
	defer c.finish(req.ID)

	ctx = shared.WithRequestID(ctx, req.ID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "service.request",
		otel.AttrRequestType.String(req.Type),
		otel.AttrRequestID.String(req.ID),
	)
	defer span.End()
	logger := telemetry.WithRequest(ctx, s.logger)

	start := time.Now()
	st := &stream{ctx: ctx, c: c, id: req.ID, reqType: req.Type, metrics: s.metrics}
	resp := s.dispatchSafe(ctx, req, st, logger)
	if err := c.write(resp); err != nil {
		logger.Debug("response write failed", "type", req.Type, "error", err)
	}
	elapsed := time.Since(start)

	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
		span.SetStatus(codes.Error, code)
	}
	span.SetAttributes(otel.AttrStatus.String(resp.Status))
	s.metrics.RecordRequest(ctx, req.Type, resp.Status, elapsed)
	if s.cfg.Audit.Enabled {
		if err := s.opts.Audit.Record(context.WithoutCancel(ctx), audit.Entry{
			RequestID: req.ID,
			Type:      req.Type,
			Status:    resp.Status,
			ErrorCode: code,
			Duration:  elapsed,
		}); err != nil {
			logger.Warn("audit record failed", "error", err)
		}
	}
	logger.Info("request completed",
		"type", req.Type,
		"status", resp.Status,
		"error_code", code,
		"chunks", st.chunks,
		"duration_ms", elapsed.Milliseconds(),
	)
	s.clock.Touch(time.Now())
}

// dispatchSafe turns a handler panic into a processing_error response.
func (s *Service) dispatchSafe(ctx context.Context, req ipc.Request, st *stream, logger *slog.Logger) (resp ipc.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panicked", "type", req.Type, "panic", fmt.Sprint(r))
			resp = ipc.Failure(req.ID, ipc.CodeProcessingError, fmt.Sprintf("internal error: %v", r), st.active)
		}
	}()
	return s.dispatch(ctx, req, st)
}

// dispatch routes by request type. cancel is handled on the read loop.
func (s *Service) dispatch(ctx context.Context, req ipc.Request, st *stream) ipc.Response {
	switch req.Type {
	case ipc.TypeQuery:
		return s.handleQuery(ctx, req, st)
	case ipc.TypeStatus:
		return s.handleStatus(ctx, req)
	case ipc.TypeTools:
		return s.handleTools(ctx, req, st)
	case ipc.TypePlugin:
		return s.handlePlugin(ctx, req)
	case ipc.TypeShutdown:
		return s.handleShutdown(req)
	default:
		return ipc.Failure(req.ID, ipc.CodeUnknownRequestType, fmt.Sprintf("unknown request type %q", req.Type), false)
	}
}

// stream writes partial frames for one request.
type stream struct {
	ctx     context.Context
	c       *conn
	id      string
	reqType string
	metrics *otel.Metrics
	active  bool
	chunks  int
}

// open marks the response as streamed; the terminal frame then carries done.
func (st *stream) open() { st.active = true }

func (st *stream) Chunk(text string) error {
	st.active = true
	if err := st.c.write(ipc.Partial(st.id, text)); err != nil {
		return err
	}
	st.chunks++
	st.metrics.ChunkWritten(st.ctx, st.reqType)
	return nil
}

func (st *stream) success(payload any) ipc.Response {
	resp, err := ipc.Success(st.id, payload, st.active)
	if err != nil {
		return ipc.Failure(st.id, ipc.CodeProcessingError, err.Error(), st.active)
	}
	return resp
}

func (st *stream) failure(code, message string) ipc.Response {
	return ipc.Failure(st.id, code, message, st.active)
}

// peekID recovers a string id from a frame that failed to decode as a Request.
func peekID(raw json.RawMessage) string {
	var head struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	if id, ok := head.ID.(string); ok {
		return id
	}
	return ""
}
