package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"procman/internal/domain"
)

// Directory answers introspection queries about the process managers
// and instances a node hosts. procman.Node (node.go) implements it
// over its live Router set.
type Directory interface {
	ProcessManagerNames() []string
	ProcessInstanceUUIDs(processManagerName string) ([]string, bool)
	ProcessInstanceState(processManagerName, processUUID string) (any, bool, bool)
	Healthy() (bool, string)
}

// RegistrySnapshotter exposes the Subscriptions Registry's current
// rows for introspection.
type RegistrySnapshotter interface {
	Snapshot() []domain.SubscriptionEntry
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
}

// Server is a framed TCP/unix-socket control-plane server. Requests
// have no stream-key to shard by, so a single worker queue bounded by
// a per-connection inflight cap plus a global queue limit serves every
// connection.
type Server struct {
	cfg       Config
	directory Directory
	registry  RegistrySnapshotter
	ln        net.Listener
	addr      atomic.Value
	globalQ   chan struct{}
	workQ     chan queuedRequest
	closed    atomic.Bool
	wg        sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *ControlRequest
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *ControlResponse
	inflight chan struct{}
}

func NewServer(cfg Config, directory Directory, registry RegistrySnapshotter) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 1024
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{
		cfg:       cfg,
		directory: directory,
		registry:  registry,
		globalQ:   make(chan struct{}, cfg.GlobalQueueLimit),
		workQ:     make(chan queuedRequest, 256),
	}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	workers := 4
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.workQ)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *ControlResponse, 64), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &ControlResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "control queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		select {
		case s.workQ <- qr:
		default:
			qr.release()
			s.send(conn, &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "control worker queue overloaded"})
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for req := range s.workQ {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *ControlResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *ControlRequest) *ControlResponse {
	res := &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.directory.Healthy()
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationListManagers:
		res.Managers = &ProcessManagerListResponse{Names: s.directory.ProcessManagerNames()}
	case OperationGetInstance:
		if req.GetInstance == nil {
			return badReq(req, "get_instance query required")
		}
		return s.handleGetInstance(req, res)
	case OperationListInstances:
		if req.ListInstances == nil {
			return badReq(req, "list_instances query required")
		}
		return s.handleListInstances(req, res)
	case OperationGetSubscription:
		if req.GetSubscription == nil {
			return badReq(req, "get_subscription query required")
		}
		return s.handleGetSubscription(req, res)
	case OperationListSubscription:
		return s.handleListSubscriptions(req, res)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *ControlRequest, msg string) *ControlResponse {
	return &ControlResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) handleGetInstance(req *ControlRequest, res *ControlResponse) *ControlResponse {
	q := req.GetInstance
	state, found, healthy := s.directory.ProcessInstanceState(q.ProcessManagerName, q.ProcessUuid)
	if !healthy {
		return badReq(req, "unknown process manager: "+q.ProcessManagerName)
	}
	out := &InstanceResponse{Found: found, ProcessUuid: q.ProcessUuid}
	if found && state != nil {
		if blob, err := json.Marshal(state); err == nil {
			out.StateJson = blob
		}
	}
	res.Instance = out
	return res
}

func (s *Server) handleListInstances(req *ControlRequest, res *ControlResponse) *ControlResponse {
	uuids, ok := s.directory.ProcessInstanceUUIDs(req.ListInstances.ProcessManagerName)
	if !ok {
		return badReq(req, "unknown process manager: "+req.ListInstances.ProcessManagerName)
	}
	res.Instances = &InstanceListResponse{Found: true, ProcessUuids: uuids}
	return res
}

func (s *Server) handleGetSubscription(req *ControlRequest, res *ControlResponse) *ControlResponse {
	q := req.GetSubscription
	for _, e := range s.registry.Snapshot() {
		if e.HandlerName == q.HandlerName && string(e.Consistency) == q.Consistency {
			res.Subscription = toSubscriptionResponse(e)
			return res
		}
	}
	res.Subscription = &SubscriptionResponse{Found: false}
	return res
}

func (s *Server) handleListSubscriptions(_ *ControlRequest, res *ControlResponse) *ControlResponse {
	rows := s.registry.Snapshot()
	out := make([]*SubscriptionResponse, 0, len(rows))
	for _, e := range rows {
		out = append(out, toSubscriptionResponse(e))
	}
	res.Subscriptions = &SubscriptionListResponse{Subscriptions: out}
	return res
}

func toSubscriptionResponse(e domain.SubscriptionEntry) *SubscriptionResponse {
	return &SubscriptionResponse{
		Found:             true,
		HandlerName:       e.HandlerName,
		Consistency:       string(e.Consistency),
		Holder:            e.Holder,
		GlobalEventNumber: e.GlobalEventNumber,
	}
}

// DialAndRequest opens a one-shot connection, sends req, and returns
// the decoded response.
func DialAndRequest(ctx context.Context, network, address string, req *ControlRequest) (*ControlResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
