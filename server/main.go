package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"collabtext/protocol"
	"collabtext/store"
)

var (
	configPath = flag.String("config", "", "toml config file")
	addrFlag   = flag.String("addr", "", "the address to listen on, overrides the config")
)

type server struct {
	ctx   context.Context
	cfg   *Config
	store store.Store
	hub   *Hub
	docs  *Documents
	relay *Relay
}

func newServer(ctx context.Context, cfg *Config, s store.Store) *server {
	docs := NewDocuments(s)
	return &server{
		ctx:   ctx,
		cfg:   cfg,
		store: s,
		hub:   newHub(docs.Drop),
		docs:  docs,
	}
}

// withRelay shares remote operations and problem updates with the other
// servers on the relay.
func (s *server) withRelay(relay *Relay) {
	s.relay = relay
	s.docs.publish = relay.Publish
}

// deliver handles an event relayed from another server.
func (s *server) deliver(msgType string, frame []byte) {
	switch msgType {
	case protocol.TypeRemoteOp:
		var msg protocol.DocumentMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			glog.V(1).Infof("[relay]ignore malformed %s\n", msgType)
			return
		}
		s.docs.Remote(&msg)
	case protocol.TypeProblemUpdated:
		var event struct {
			Data struct {
				SessionID string `json:"session_id"`
			} `json:"data"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(frame, &event); err != nil {
			return
		}
		id := event.Data.SessionID
		if id == "" {
			id = event.SessionID
		}
		sessionId, err := uuid.Parse(id)
		if err != nil {
			glog.V(1).Infof("[relay]invalid session_id in event: %s\n", id)
			return
		}
		s.hub.Broadcast(sessionId, nil, frame)
	}
}

func logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		glog.Infof("[http]%s %s %d %s\n", request.Method, request.URL, m.Code, m.Duration)
	})
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/ws/sessions/{sessionId}").HandlerFunc(s.serveWs)
	r.Methods(http.MethodGet).Path("/api/v1/documents/{collection}/{docId}").HandlerFunc(s.getDocument)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Infof("[http]encode error = %s\n", err)
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *server) getDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := s.store.Get(r.Context(), vars["collection"], vars["docId"])
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		glog.Errorf("[http]get %s/%s error = %s\n", vars["collection"], vars["docId"], err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func registerService(cfg *Config) (*zeroconf.Server, error) {
	port, err := cfg.Port()
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return zeroconf.Register(
		fmt.Sprintf("%s-%s", "CollabText", host),
		cfg.ServiceName,
		"local.",
		port,
		[]string{"txtv=0", "path=/ws/sessions"},
		nil,
	)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := run(); err != nil {
		glog.Errorf("%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var docStore store.Store = store.NewMemoryStore()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}
		glog.Infof("Connected to Redis at %s\n", cfg.RedisAddr)
		docStore = store.NewRedisStore(rdb)
	}

	srv := newServer(ctx, cfg, docStore)
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.hub.run(ctx)
	}()

	if rdb != nil {
		relay := NewRelay(rdb, cfg.RelayChannel)
		srv.withRelay(relay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx, srv.deliver)
		}()
	}

	if cfg.DatabaseURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer dbpool.Close()
		archive, err := store.NewSnapshotArchive(ctx, dbpool)
		if err != nil {
			return err
		}
		glog.Infof("Connected to PostgreSQL, archiving every %s\n", cfg.SnapshotInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			newSnapshotter(docStore, archive).run(ctx, cfg.SnapshotInterval)
		}()
	}

	if cfg.MDNS {
		mdns, err := registerService(cfg)
		if err != nil {
			glog.Errorf("Failed to register mDNS service: %s\n", err)
		} else {
			defer mdns.Shutdown()
			glog.Infof("mDNS service registered: %s\n", cfg.ServiceName)
		}
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.routes()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		glog.Infof("CollabText sync server starting on %s...\n", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("Failed to start server: %s\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	glog.Infof("Shutting down\n")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		httpServer.Close()
	}
	wg.Wait()
	return nil
}
