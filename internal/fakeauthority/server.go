// Package fakeauthority provides an in-process stand-in for the remote
// authority, for tests and local experiments.
//
// It serves the REST endpoints over a gorilla/mux router and the change feed
// at /user over a gws websocket upgrader, on the same listener. Insert, Update
// and Delete notifications are broadcast to every connection after a
// successful command. Lock and Unlock frames received from any connection are
// relayed verbatim to all connections, the sender included.
//
// Test helpers allow injecting raw frames, dropping every connection, and
// failing the next command with a chosen status.
package fakeauthority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/lxzan/gws"

	"github.com/userlist/userlist/pkg/codec"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/models"
)

const sessionKeyID = "id"

// Server is a fake authority. Use "127.0.0.1:0" to bind to a random port.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server
	upgrader *gws.Upgrader
	codec    codec.Codec
	logger   logger.Logger

	mu       sync.Mutex
	records  []models.Record
	nextID   int64
	conns    map[*gws.Conn]string
	intents  []models.RecordNotification
	failNext int

	opened   chan string
	stopOnce sync.Once
	stopErr  error
}

// Handler implements gws.Event for the /user endpoint.
type Handler struct {
	server *Server
}

func NewServer(addr string) *Server {
	s := &Server{
		addr:   addr,
		codec:  codec.JSON{},
		logger: logger.Discard(),
		nextID: 1,
		conns:  make(map[*gws.Conn]string),
		opened: make(chan string, 16),
	}

	s.upgrader = gws.NewUpgrader(&Handler{server: s}, &gws.ServerOption{})

	router := mux.NewRouter()
	router.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	router.HandleFunc("/add", s.handleAdd).Methods(http.MethodPost)
	router.HandleFunc("/user", s.handleModify).Methods(http.MethodPost)
	router.HandleFunc("/user", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/user/{id:-?[0-9]+}", s.handleRemove).Methods(http.MethodDelete)

	s.http = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// WithCodec sets the encoding used on the change feed. It must be called
// before Start.
func (s *Server) WithCodec(c codec.Codec) *Server {
	s.codec = c
	return s
}

func (s *Server) WithLogger(l logger.Logger) *Server {
	s.logger = logger.OrDiscard(l)
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fakeauthority stopped serving", "error", err)
		}
	}()

	return nil
}

// Stop closes the listener and every open websocket. Calling it again is a
// no-op.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.DropConnections()
		s.stopErr = s.http.Close()
	})
	return s.stopErr
}

// Address returns the actual address the server is listening on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) HTTPURL() string {
	return "http://" + s.Address()
}

func (s *Server) WebSocketURL() string {
	return "ws://" + s.Address() + "/user"
}

// Seed replaces the list and moves the ID counter past the highest ID.
func (s *Server) Seed(records ...models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = slices.Clone(records)
	s.nextID = 1
	for _, r := range records {
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
}

// Records returns a copy of the authoritative list.
func (s *Server) Records() []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.records)
}

// Intents returns the lock and unlock intents received so far.
func (s *Server) Intents() []models.RecordNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.intents)
}

// ConnectionCount returns the number of open change-feed connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Opened yields the ID of every change-feed connection as it opens.
func (s *Server) Opened() <-chan string {
	return s.opened
}

// FailNext makes the next command request answer with status.
func (s *Server) FailNext(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failNext = status
}

func (s *Server) takeFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.failNext
	s.failNext = 0
	return status
}

// Broadcast encodes n and sends it to every connection.
func (s *Server) Broadcast(n models.RecordNotification) error {
	data, err := s.codec.Marshal(n)
	if err != nil {
		return fmt.Errorf("fakeauthority failed to encode %s: %w", n, err)
	}
	s.BroadcastRaw(data)
	return nil
}

// BroadcastRaw sends data unchanged to every connection.
func (s *Server) BroadcastRaw(data []byte) {
	opcode := gws.OpcodeText
	if s.codec.Binary() {
		opcode = gws.OpcodeBinary
	}

	for _, conn := range s.snapshotConns() {
		if err := conn.WriteMessage(opcode, data); err != nil {
			s.logger.Warn("fakeauthority failed to write", "error", err)
		}
	}
}

// DropConnections closes every change-feed connection without a close frame.
func (s *Server) DropConnections() {
	for _, conn := range s.snapshotConns() {
		_ = conn.NetConn().Close()
	}
}

func (s *Server) snapshotConns() []*gws.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*gws.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	records := s.Records()
	if records == nil {
		records = []models.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Warn("fakeauthority failed to write users", "error", err)
	}
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	name := r.PostFormValue("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	rec := models.Record{ID: s.nextID, Name: name}
	s.nextID++
	s.records = append(s.records, rec)
	s.mu.Unlock()

	s.announce(models.NewNotification(models.Insert, rec))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rec models.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.records, func(x models.Record) bool { return x.ID == rec.ID })
	if idx >= 0 {
		s.records[idx] = rec
	}
	s.mu.Unlock()

	if idx < 0 {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	s.announce(models.NewNotification(models.Update, rec))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.records, func(x models.Record) bool { return x.ID == id })
	var rec models.Record
	if idx >= 0 {
		rec = s.records[idx]
		s.records = slices.Delete(s.records, idx, idx+1)
	}
	s.mu.Unlock()

	if idx < 0 {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	s.announce(models.NewNotification(models.Delete, rec))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) announce(n models.RecordNotification) {
	if err := s.Broadcast(n); err != nil {
		s.logger.Error("fakeauthority failed to announce", "notification", n.String(), "error", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("fakeauthority failed to upgrade", "error", err)
		return
	}
	go socket.ReadLoop()
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	id := uuid.Must(uuid.NewV4()).String()
	socket.Session().Store(sessionKeyID, id)

	h.server.mu.Lock()
	h.server.conns[socket] = id
	h.server.mu.Unlock()

	h.server.logger.Debug("fakeauthority connection opened", "conn", id)
	select {
	case h.server.opened <- id:
	default:
	}
}

func (h *Handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	id := h.server.conns[socket]
	delete(h.server.conns, socket)
	h.server.mu.Unlock()

	h.server.logger.Debug("fakeauthority connection closed", "conn", id, "error", err)
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.server.logger.Warn("fakeauthority failed to write pong", "error", err)
	}
}

func (h *Handler) OnPong(*gws.Conn, []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := slices.Clone(message.Bytes())
	n, err := h.server.decodeIntent(data)
	if err != nil {
		id, _ := socket.Session().Load(sessionKeyID)
		h.server.logger.Warn("fakeauthority ignoring message", "conn", id, "error", err)
		return
	}

	h.server.mu.Lock()
	h.server.intents = append(h.server.intents, n)
	h.server.mu.Unlock()

	h.server.BroadcastRaw(data)
}

// decodeIntent accepts only Lock and Unlock. JSON frames are checked with a
// field lookup before anything is decoded.
func (s *Server) decodeIntent(data []byte) (models.RecordNotification, error) {
	var n models.RecordNotification

	if !s.codec.Binary() {
		action, err := jsonparser.GetString(data, "action")
		if err != nil {
			return n, fmt.Errorf("missing action: %w", err)
		}
		if !models.ChangeKind(action).IsLockSignal() {
			return n, fmt.Errorf("clients may not send %q", action)
		}
	}

	if err := s.codec.Unmarshal(data, &n); err != nil {
		return n, err
	}
	if !n.Kind.IsLockSignal() {
		return n, fmt.Errorf("clients may not send %q", string(n.Kind))
	}
	return n, nil
}
