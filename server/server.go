// Package server accepts and verifies client connections, wires them into
// sessions, and exposes the administrative HTTP surface.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/challenge"
	"github.com/raidwatch/relay/config"
	"github.com/raidwatch/relay/players"
	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/server/registry"
	"github.com/raidwatch/relay/server/router"
	"github.com/raidwatch/relay/server/session"
	"github.com/raidwatch/relay/server/shutdown"
	"github.com/raidwatch/relay/users"
	"github.com/raidwatch/relay/verification"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Deps are the external collaborators the relay core depends on.
type Deps struct {
	Auth    users.Authenticator
	Players players.Store
	History users.HistorySource
}

// Server is the relay process: the connection accept path, the session
// registry, the shutdown orchestrator, and the admin endpoints.
type Server struct {
	cfg    config.Server
	deps   Deps
	logger zerolog.Logger

	rdb          *redis.Client
	verifier     *verification.ConfigManager
	challenges   challenge.Manager
	remote       *challenge.RemoteManager // nil when running locally
	registry     *registry.Registry
	orchestrator *shutdown.Orchestrator
	router       *router.Router
	upgrader     websocket.Upgrader
	httpServer   *http.Server
}

func New(cfg config.Server, deps Deps, logger zerolog.Logger) (*Server, error) {
	srv := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("com", "server").Logger(),
	}

	srv.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})

	// Unset collaborators fall back to the shared-store adapters.
	if srv.deps.Auth == nil || srv.deps.History == nil {
		directory := users.NewRedisDirectory(srv.rdb)
		if srv.deps.Auth == nil {
			srv.deps.Auth = directory
		}
		if srv.deps.History == nil {
			srv.deps.History = directory
		}
	}
	if srv.deps.Players == nil {
		srv.deps.Players = players.NewRedisStore(srv.rdb)
	}

	policy, err := initialPolicy(cfg.Verification)
	if err != nil {
		return nil, err
	}
	srv.verifier = verification.NewConfigManager(
		verification.NewRedisPolicySource(srv.rdb), policy, logger)

	if cfg.ChallengeServer.Local {
		logger.Info().Msg("using local challenge manager")
		srv.challenges = challenge.NewLocalManager(logger)
	} else {
		logger.Info().Str("url", cfg.ChallengeServer.URL).Msg("using remote challenge manager")
		srv.remote = challenge.NewRemoteManager(cfg.ChallengeServer.URL, nil, srv.rdb, logger)
		srv.challenges = srv.remote
	}

	srv.registry = registry.New(srv.rdb, logger)
	srv.orchestrator = shutdown.NewOrchestrator(srv.registry, shutdown.Options{
		DefaultDuration: cfg.Shutdown.DefaultDuration,
	}, logger)
	srv.router = router.New(srv.challenges, srv.deps.Players,
		players.NewRedisLiveness(srv.rdb), srv.deps.History, logger)

	srv.orchestrator.OnStatusUpdate(srv.router.HandleStatusUpdate)
	srv.orchestrator.OnStatusUpdate(func(update shutdown.StatusUpdate) {
		if update.State == protocol.StateOffline && srv.httpServer != nil {
			// Stop accepting connections; the process stays up for manual
			// restart.
			_ = srv.httpServer.Shutdown(context.Background())
		}
	})

	srv.upgrader = websocket.Upgrader{
		Subprotocols: protocol.Subprotocols,
		// Plugin clients do not send an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return srv, nil
}

// initialPolicy builds the verification policy served before the first
// refresh from the shared store.
func initialPolicy(cfg config.Verification) (verification.Policy, error) {
	policy := verification.Policy{
		MinRuntimeVersion: cfg.MinRuntimeVersion,
		AllowedRevisions:  make(map[string]struct{}),
	}

	if cfg.RevisionsFile != "" {
		data, err := os.ReadFile(cfg.RevisionsFile)
		if err != nil {
			return policy, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				policy.AllowedRevisions[line] = struct{}{}
			}
		}
	}
	return policy, nil
}

// Run serves until ctx is canceled or the orchestrator takes the server
// offline.
func (srv *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err := srv.rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	go func() {
		if err := srv.registry.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			srv.logger.Error().Err(err).Msg("name change subscription failed")
		}
	}()
	if srv.remote != nil {
		go func() {
			if err := srv.remote.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				srv.logger.Error().Err(err).Msg("challenge update subscription failed")
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleConnect)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	mux.HandleFunc("/admin/status", srv.adminOnly(srv.handleAdminStatus))
	mux.HandleFunc("/admin/shutdown", srv.adminOnly(srv.handleAdminShutdown))

	srv.httpServer = &http.Server{Addr: srv.cfg.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.httpServer.Shutdown(context.Background())
	}()

	srv.logger.Info().Str("listen", srv.cfg.Listen).Msg("server listening")
	err = srv.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleConnect is the WebSocket handshake: bearer authentication, build
// metadata verification, wire format negotiation, then session
// registration.
func (srv *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := srv.deps.Auth.Authenticate(ctx, token)
	if err != nil {
		if !errors.Is(err, users.ErrInvalidToken) {
			srv.logger.Error().Err(err).Msg("authentication failed")
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	plugin, ok := verification.VersionsFromHeader(r.Header)
	if !ok {
		srv.logger.Warn().Int64("user", user.ID).Msg("handshake missing plugin versions")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !srv.verifier.Verify(ctx, plugin) {
		srv.logger.Warn().
			Int64("user", user.ID).
			Str("plugin_version", plugin.Version).
			Str("plugin_revision", plugin.Revision).
			Str("runtime_version", plugin.RuntimeVersion).
			Msg("client build not allowed")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	format := protocol.FormatFromSubprotocol(conn.Subprotocol())

	sess := session.New(srv.registry.NewSessionID(), conn, srv.router, user, plugin, format,
		session.Options{
			HeartbeatInterval:  srv.cfg.Session.HeartbeatInterval,
			HeartbeatThreshold: srv.cfg.Session.HeartbeatThreshold,
			DispatchInterval:   srv.cfg.Session.DispatchInterval,
		}, srv.logger)

	srv.registry.Add(sess)
	srv.orchestrator.HandleNewSession(sess.Send)
	sess.Start()

	srv.logger.Info().
		Uint64("session", sess.SessionID()).
		Int64("user", user.ID).
		Str("format", format.String()).
		Str("plugin_version", plugin.Version).
		Msg("client connected")
}

// bearerToken extracts the credential from a Basic authorization header.
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Basic" {
		return "", false
	}
	token, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(token) == 0 {
		return "", false
	}
	return string(token), true
}

func (srv *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if srv.cfg.AdminToken == "" || r.Header.Get("Authorization") != srv.cfg.AdminToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	Status       string `json:"status"`
	ShutdownTime int64  `json:"shutdownTime,omitempty"`
	Sessions     int    `json:"sessions"`
}

func (srv *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	srv.writeStatus(w)
}

type shutdownRequest struct {
	// ShutdownTime is the lead time in seconds. Zero uses the default.
	ShutdownTime int64 `json:"shutdownTime"`
	Cancel       bool  `json:"cancel"`
	Force        bool  `json:"force"`
}

func (srv *Server) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req shutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if req.Cancel {
		srv.orchestrator.Cancel()
	} else {
		srv.orchestrator.Schedule(time.Duration(req.ShutdownTime)*time.Second, req.Force)
	}
	srv.writeStatus(w)
}

func (srv *Server) writeStatus(w http.ResponseWriter) {
	status := srv.orchestrator.Status()
	resp := statusResponse{
		Status:   stateName(status.State),
		Sessions: srv.registry.Count(),
	}
	if !status.ShutdownTime.IsZero() {
		resp.ShutdownTime = status.ShutdownTime.Unix()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func stateName(state protocol.ServerState) string {
	switch state {
	case protocol.StateRunning:
		return "RUNNING"
	case protocol.StateShutdownPending:
		return "SHUTDOWN_PENDING"
	case protocol.StateShutdownCanceled:
		return "SHUTDOWN_CANCELED"
	case protocol.StateShutdownImminent:
		return "SHUTDOWN_IMMINENT"
	case protocol.StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}
