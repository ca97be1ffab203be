package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/config"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/metrics"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server stores all connection dependencies for the websocket server.
type Server struct {
	log            *zap.Logger
	config         *config.Config
	store          *ConnectionStore
	registry       *room.Registry
	socketUpgrader websocket.Upgrader
}

// NewServer constructs a new Server instance.
func NewServer(log *zap.Logger, cfg *config.Config, checkOriginFunc func(r *http.Request) bool) *Server {
	metrics.RegisterMetrics()
	store := NewConnectionStore(log.Named("connections"))
	return &Server{
		log:            log,
		config:         cfg,
		store:          store,
		registry:       room.NewRegistry(log.Named("rooms"), store),
		socketUpgrader: websocket.Upgrader{CheckOrigin: checkOriginFunc},
	}
}

// Registry exposes the room registry, mainly for tests and diagnostics.
func (server *Server) Registry() *room.Registry {
	return server.registry
}

// Handler routes the socket endpoint and the HTTP diagnostics.
func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.connectionHandler)
	mux.HandleFunc("GET /rooms/{roomID}", server.roomHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              ":" + server.config.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.log.Info("Started server", zap.String("port", server.config.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.log.Info("Stopping server")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectionHandler upgrades new HTTP requests from clients to websockets,
// reading in further messages from those clients until they disconnect.
func (server *Server) connectionHandler(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP GET request to a socket connection
	socket, err := server.socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Warn("Unable to upgrade connection", zap.Error(err))
		return
	}

	cfg := server.config
	conn := comms.NewConnectionWrapper(socket, uuid.NewString(), cfg.SendBufferSize)
	server.store.Connect(conn)
	log := server.log.With(zap.String("member", conn.ID))
	log.Info("Client connected", zap.String("remote", socket.RemoteAddr().String()))

	defer func() {
		server.registry.Leave(conn.ID)
		server.store.Disconnect(conn)
		conn.Close()
		log.Info("Client disconnected")
	}()

	go func() {
		if err := conn.WritePump(cfg.PingPeriod, cfg.WriteWait); err != nil &&
			!errors.Is(err, comms.ErrConnectionClosed) {
			log.Debug("Write failed", zap.Error(err))
		}
		// Unblocks the read loop below.
		conn.Close()
	}()

	socket.SetReadLimit(cfg.MaxMessageSize)
	socket.SetReadDeadline(time.Now().Add(cfg.PongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	conn.Send(comms.ToMessage(comms.SessionEvent{UserID: conn.ID}))

	// Forever handle messages from this client
	for {
		message, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, comms.ErrUndecodable) {
				socket.SetReadDeadline(time.Now().Add(cfg.PongWait))
				server.replyError(conn, "Unable to parse message", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Client errored or disconnected", zap.Error(err))
			}
			return
		}
		socket.SetReadDeadline(time.Now().Add(cfg.PongWait))
		server.handleRequest(comms.Request{Conn: conn, Message: message})
	}
}

// roomHandler returns the current roster of a room as JSON.
func (server *Server) roomHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := server.registry.Snapshot(r.PathValue("roomID"))
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRosterUpdate(snapshot))
}
