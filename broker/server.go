package broker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ybroker/ybroker/room"
	"github.com/ybroker/ybroker/store"
)

// Config controls the broker's per-room and per-connection resource
// limits; the zero value is invalid, use DefaultConfig as a base.
type Config struct {
	AwarenessTTL            time.Duration
	ClientSendQueueCapacity int
	AwarenessTickInterval   time.Duration
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		AwarenessTTL:            30 * time.Second,
		ClientSendQueueCapacity: 1024,
		AwarenessTickInterval:   5 * time.Second,
	}
}

// Server accepts transport connections, routes them to a Room by path
// (creating the room lazily on first use, per spec.md — rooms are never
// garbage-collected once created), and runs the periodic awareness expiry
// sweep across every open room.
//
// Grounded on the teacher's server/hub.go: lazy per-path session creation
// behind a map+mutex, generalized from a single global session map keyed
// by document ID to the same shape keyed by sync path.
type Server struct {
	cfg    Config
	store  store.UpdateStore
	log    *zap.SugaredLogger
	nextID atomic.Uint64

	mu    sync.Mutex
	rooms map[string]*room.Room
}

// NewServer creates a broker backed by st. NewServer itself starts no
// goroutines: Serve starts one per room it creates, and Run starts the
// awareness sweep.
func NewServer(st store.UpdateStore, cfg Config, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		log:   logger,
		rooms: map[string]*room.Room{},
	}
}

func (s *Server) roomFor(path string) *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[path]
	if ok {
		return r
	}
	actor := s.nextID.Add(1)
	r = room.New(path, actor, s.store, s.cfg.ClientSendQueueCapacity, s.log)
	r.SetAwarenessTTL(s.cfg.AwarenessTTL)
	s.rooms[path] = r
	return r
}

// Handler returns the HTTP handler that upgrades a request to a
// WebSocket and joins the resulting connection to the room named by the
// request path. Grounded on the teacher's server/handler.go: the same
// http.NewServeMux + websocket.Upgrader.Upgrade shape, generalized from a
// single fixed "/ws" route to path-addressed rooms.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWebsocket)
	return mux
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("broker: upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	sock := newGorillaSocket(conn)
	s.Serve(r.Context(), r.URL.Path, sock)
}

// Serve joins sock to the room named by path and pumps frames between them
// until the socket closes. It returns once both pumps have exited, so
// callers that want a connection's lifetime can just call this directly
// (as the HTTP adapter does) rather than going through Handler.
func (s *Server) Serve(ctx context.Context, path string, sock Websocket) {
	id := s.nextID.Add(1)
	rm := s.roomFor(path)
	c := newConnection(id, path, sock, rm, s.cfg.ClientSendQueueCapacity, s.log)

	rm.Join(id, c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	c.readPump(ctx) // blocks until the socket errors or ctx is done
	wg.Wait()
}

// Run starts the periodic awareness expiry sweep and blocks until ctx is
// canceled, then tears every room down. It's meant to run alongside an
// http.Server via errgroup, matching spec.md §7's framing that server
// shutdown is the only globally-fatal path worth coordinating.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AwarenessTickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.tickRooms(now)
		case <-ctx.Done():
			return s.closeRooms()
		}
	}
}

func (s *Server) tickRooms(now time.Time) {
	s.mu.Lock()
	rooms := make([]*room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	for _, r := range rooms {
		r.Tick(now)
	}
}

func (s *Server) closeRooms() error {
	s.mu.Lock()
	rooms := make([]*room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
	return nil
}

// ListenAndServe starts an http.Server on addr running Handler and the
// awareness sweep together, shutting both down cleanly when ctx is
// canceled.
//
// Grounded on golang.org/x/sync/errgroup (seen wired into
// zeusync-zeusync's service bootstrap) and go.uber.org/multierr (an
// indirect dependency of zap itself, promoted to direct use here). The
// errgroup's Wait yields only the first error among the sweep loop, the
// http.Server shutdown and the listener; multierr.Append(nil, err) returns
// that one error unchanged, so later errors are not collected.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	return multierr.Append(nil, g.Wait())
}
