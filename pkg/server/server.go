// Package server exposes hosted copysets over HTTP: status, leader, peers
// and partitions for heartbeats and tooling, plus a propose endpoint that
// encodes meta operations and waits for them to apply.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zztaki/curve/pkg/copyset"
	"github.com/zztaki/curve/pkg/metastore"
)

// Error codes carried in ProposeResponse.
const (
	CodeOK              = "OK"
	CodeNotLeader       = "NOT_LEADER"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeOpFailed        = "OP_FAILED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"

	defaultProposeTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxProposeBody         = 1 << 20
)

// Config configures the HTTP server.
type Config struct {
	Addr           string
	ProposeTimeout time.Duration
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server serves the copyset HTTP surface.
type Server struct {
	registry Registry
	builder  *metastore.Builder
	config   Config
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server over registry. Start begins listening.
func NewServer(registry Registry, config Config) *Server {
	if config.ProposeTimeout == 0 {
		config.ProposeTimeout = defaultProposeTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		registry: registry,
		builder:  metastore.NewBuilder(),
		config:   config,
		logger:   config.Logger.With("component", "http-server"),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.config.MetricsHandler != nil {
		r.Handle("/metrics", s.config.MetricsHandler)
	}

	r.Get("/partitions", s.handlePartitionInfoList)
	r.Route("/copysets", func(r chi.Router) {
		r.Get("/", s.handleListCopysets)
		r.Route("/{pool}/{copyset}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/leader", s.handleLeader)
			r.Get("/peers", s.handlePeers)
			r.Post("/peers", s.handleAddPeer)
			r.Delete("/peers/{peer}", s.handleRemovePeer)
			r.Post("/snapshot", s.handleSnapshot)
			r.Get("/partitions", s.handlePartitions)
			r.Get("/partitions/{partition}/keys/{key}", s.handleGetKey)
			r.Post("/ops", s.handlePropose)
		})
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCopysets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Statuses())
}

func (s *Server) handlePartitionInfoList(w http.ResponseWriter, _ *http.Request) {
	parts, err := s.registry.PartitionInfoList()
	if err != nil {
		// partial lists are still useful to a heartbeat
		s.logger.Warn("partition info list incomplete", "error", err)
	}
	if parts == nil {
		parts = []copyset.CopysetPartitions{}
	}
	writeJSON(w, http.StatusOK, parts)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cs.GetStatus())
}

// LeaderResponse answers GET .../leader.
type LeaderResponse struct {
	Leader     copyset.PeerID      `json:"leader"`
	IsSelf     bool                `json:"is_self"`
	LeaderTerm int64               `json:"leader_term"`
	Status     *copyset.NodeStatus `json:"status,omitempty"`
}

// handleLeader reports the known leader. With ?status=1 it also returns the
// leader's own status, fetched remotely when this replica is a follower.
func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	local := cs.GetStatus()
	resp := LeaderResponse{
		Leader:     local.Leader,
		IsSelf:     local.IsLeader,
		LeaderTerm: local.LeaderTerm,
	}

	if r.URL.Query().Get("status") != "" {
		st, err := cs.GetLeaderStatus(r.Context())
		switch {
		case errors.Is(err, copyset.ErrNoLeader):
			writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
			return
		case errors.Is(err, copyset.ErrLeaderStatusUnavailable):
			writeError(w, http.StatusNotImplemented, CodeUnavailable, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
			return
		}
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": cs.ListPeers()})
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	parts, err := cs.GetPartitionInfoList()
	if err != nil {
		writeError(w, statusOf(err), CodeUnavailable, err.Error())
		return
	}
	if parts == nil {
		parts = []copyset.PartitionInfo{}
	}
	writeJSON(w, http.StatusOK, parts)
}

// PeerRequest names the peer to add.
type PeerRequest struct {
	Peer copyset.PeerID `json:"peer"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	cs, engine, ok := s.lookupEngine(w, r)
	if !ok {
		return
	}
	var req PeerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProposeBody)).Decode(&req); err != nil || req.Peer == "" {
		writePropose(w, http.StatusBadRequest, ProposeResponse{ErrorCode: CodeInvalidArgument, ErrorMessage: "peer is required"})
		return
	}
	status, resp := s.engineResult(cs, engine.AddPeer(r.Context(), req.Peer))
	writePropose(w, status, resp)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	cs, engine, ok := s.lookupEngine(w, r)
	if !ok {
		return
	}
	peer := copyset.PeerID(chi.URLParam(r, "peer"))
	status, resp := s.engineResult(cs, engine.RemovePeer(r.Context(), peer))
	writePropose(w, status, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cs, engine, ok := s.lookupEngine(w, r)
	if !ok {
		return
	}
	status, resp := s.engineResult(cs, engine.Snapshot())
	writePropose(w, status, resp)
}

func (s *Server) lookupEngine(w http.ResponseWriter, r *http.Request) (Copyset, copyset.Engine, bool) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return nil, nil, false
	}
	engine := cs.Engine()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, copyset.ErrNotInitialized.Error())
		return nil, nil, false
	}
	return cs, engine, true
}

func (s *Server) engineResult(cs Copyset, err error) (int, ProposeResponse) {
	var nle *copyset.NotLeaderError
	switch {
	case err == nil:
		return http.StatusOK, ProposeResponse{Success: true, ErrorCode: CodeOK}
	case errors.As(err, &nle):
		return http.StatusMisdirectedRequest, notLeader(string(nle.Leader))
	case errors.Is(err, copyset.ErrLeadershipLost):
		return http.StatusMisdirectedRequest, notLeader(string(cs.LeaderID()))
	case errors.Is(err, copyset.ErrStopped):
		return http.StatusServiceUnavailable, ProposeResponse{ErrorCode: CodeUnavailable, ErrorMessage: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ProposeResponse{ErrorCode: CodeTimeout, ErrorMessage: err.Error()}
	default:
		s.logger.Error("engine request failed", "copyset", cs.Name(), "error", err)
		return http.StatusInternalServerError, ProposeResponse{ErrorCode: CodeInternal, ErrorMessage: err.Error()}
	}
}

type keyReader interface {
	Get(partitionID uint32, key []byte) ([]byte, error)
}

// KeyResponse answers a local key read. Followers may serve stale values.
type KeyResponse struct {
	PartitionID  uint32 `json:"partition_id"`
	Key          string `json:"key"`
	Value        string `json:"value"`
	AppliedIndex uint64 `json:"applied_index"`
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	pid, err := parseUint32(chi.URLParam(r, "partition"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid partition id")
		return
	}

	store := cs.MetaStore()
	kr, ok := store.(keyReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, CodeUnavailable, "store does not serve reads")
		return
	}
	key := chi.URLParam(r, "key")
	applied := store.AppliedIndex()
	value, err := kr.Get(pid, []byte(key))
	if err != nil {
		writeError(w, statusOf(err), CodeOpFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, KeyResponse{
		PartitionID:  pid,
		Key:          key,
		Value:        string(value),
		AppliedIndex: applied,
	})
}

// ProposeRequest describes one meta operation. Op is one of
// create_partition, delete_partition, put and delete.
type ProposeRequest struct {
	Op          string `json:"op"`
	PartitionID uint32 `json:"partition_id"`
	FsID        uint32 `json:"fs_id,omitempty"`
	Start       uint64 `json:"start,omitempty"`
	End         uint64 `json:"end,omitempty"`
	Key         string `json:"key,omitempty"`
	Value       string `json:"value,omitempty"`
}

// ProposeResponse mirrors the outcome of one proposal.
type ProposeResponse struct {
	Success       bool   `json:"success"`
	ErrorCode     string `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
	LeaderAddress string `json:"leader_address,omitempty"`
	Index         uint64 `json:"index,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req ProposeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProposeBody)).Decode(&req); err != nil {
		writePropose(w, http.StatusBadRequest, ProposeResponse{ErrorCode: CodeInvalidArgument, ErrorMessage: "invalid json body"})
		return
	}
	data, err := s.encode(req)
	if err != nil {
		writePropose(w, http.StatusBadRequest, ProposeResponse{ErrorCode: CodeInvalidArgument, ErrorMessage: err.Error()})
		return
	}

	// rejected early, as the ingest path does, to skip a queue round trip
	if !cs.IsLeaderTerm() {
		writePropose(w, http.StatusMisdirectedRequest, notLeader(string(cs.LeaderID())))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ProposeTimeout)
	defer cancel()

	done := make(chan copyset.Result, 1)
	cs.Propose(&copyset.Task{
		ID:   middleware.GetReqID(r.Context()),
		Data: data,
		Done: func(res copyset.Result) { done <- res },
	})

	select {
	case res := <-done:
		status, resp := s.proposeResult(cs, res)
		writePropose(w, status, resp)
	case <-ctx.Done():
		// the entry may still commit
		writePropose(w, http.StatusGatewayTimeout, ProposeResponse{ErrorCode: CodeTimeout, ErrorMessage: ctx.Err().Error()})
	}
}

func (s *Server) encode(req ProposeRequest) ([]byte, error) {
	switch req.Op {
	case "create_partition":
		if req.Start > req.End {
			return nil, metastore.ErrInvalidRange
		}
		return s.builder.BuildCreatePartition(req.PartitionID, req.FsID, req.Start, req.End), nil
	case "delete_partition":
		return s.builder.BuildDeletePartition(req.PartitionID), nil
	case "put":
		if req.Key == "" {
			return nil, errors.New("put requires a key")
		}
		if err := metastore.CheckEntrySize([]byte(req.Key), []byte(req.Value)); err != nil {
			return nil, err
		}
		return s.builder.BuildPut(req.PartitionID, []byte(req.Key), []byte(req.Value)), nil
	case "delete":
		if req.Key == "" {
			return nil, errors.New("delete requires a key")
		}
		if err := metastore.CheckEntrySize([]byte(req.Key), nil); err != nil {
			return nil, err
		}
		return s.builder.BuildDelete(req.PartitionID, []byte(req.Key)), nil
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

func (s *Server) proposeResult(cs Copyset, res copyset.Result) (int, ProposeResponse) {
	if res.Err != nil {
		var nle *copyset.NotLeaderError
		switch {
		case errors.As(res.Err, &nle):
			return http.StatusMisdirectedRequest, notLeader(string(nle.Leader))
		case errors.Is(res.Err, copyset.ErrLeadershipLost):
			return http.StatusMisdirectedRequest, notLeader(string(cs.LeaderID()))
		case errors.Is(res.Err, copyset.ErrApplyDecode):
			return http.StatusBadRequest, ProposeResponse{ErrorCode: CodeInvalidArgument, ErrorMessage: res.Err.Error(), Index: res.Index}
		case errors.Is(res.Err, copyset.ErrQueueFull),
			errors.Is(res.Err, copyset.ErrStopped),
			errors.Is(res.Err, copyset.ErrDegraded):
			return http.StatusServiceUnavailable, ProposeResponse{ErrorCode: CodeUnavailable, ErrorMessage: res.Err.Error()}
		default:
			s.logger.Error("proposal failed", "copyset", cs.Name(), "error", res.Err)
			return http.StatusInternalServerError, ProposeResponse{ErrorCode: CodeInternal, ErrorMessage: res.Err.Error(), Index: res.Index}
		}
	}

	if op, ok := res.Response.(*metastore.OpResult); ok && op.Err != nil {
		return statusOf(op.Err), ProposeResponse{ErrorCode: CodeOpFailed, ErrorMessage: op.Err.Error(), Index: res.Index}
	}
	return http.StatusOK, ProposeResponse{Success: true, ErrorCode: CodeOK, Index: res.Index}
}

func notLeader(leader string) ProposeResponse {
	return ProposeResponse{
		ErrorCode:     CodeNotLeader,
		ErrorMessage:  "not the leader",
		LeaderAddress: leader,
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Copyset, bool) {
	pool, err := parseUint32(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid pool id")
		return nil, false
	}
	id, err := parseUint32(chi.URLParam(r, "copyset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid copyset id")
		return nil, false
	}
	cs, ok := s.registry.Lookup(copyset.PoolID(pool), copyset.CopysetID(id))
	if !ok {
		writeError(w, http.StatusNotFound, CodeInvalidArgument, ErrCopysetNotFound.Error())
		return nil, false
	}
	return cs, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, metastore.ErrPartitionNotFound), errors.Is(err, metastore.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, metastore.ErrPartitionExists):
		return http.StatusConflict
	case errors.Is(err, metastore.ErrInvalidRange),
		errors.Is(err, metastore.ErrKeyTooLarge),
		errors.Is(err, metastore.ErrValueTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, copyset.ErrStopped), errors.Is(err, copyset.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func writePropose(w http.ResponseWriter, status int, resp ProposeResponse) {
	writeJSON(w, status, resp)
}

type errorPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorPayload{ErrorCode: code, ErrorMessage: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
