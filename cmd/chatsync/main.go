package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/monitor"
	"github.com/npezzotti/go-chatsync/internal/session"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/transport"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	wsURL          string
	apiURL         string
	userId         string
	token          string
	signingKey     string
	debugAddr      string
	ignoreUnknown  bool
	allowedOrigins stringSliceFlag
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func main() {
	logger := log.New(os.Stderr, "[chatsync] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Println("load .env:", err)
	}

	flag.StringVar(&wsURL, "ws-url", envOr("CHATSYNC_WS_URL", "ws://localhost:8000/ws"), "websocket endpoint")
	flag.StringVar(&apiURL, "api-url", envOr("CHATSYNC_API_URL", "http://localhost:8000/api"), "REST base url")
	flag.StringVar(&userId, "user", os.Getenv("CHATSYNC_USER_ID"), "local user id")
	flag.StringVar(&token, "token", os.Getenv("CHATSYNC_TOKEN"), "bearer token")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("CHATSYNC_SIGNING_KEY"), "base64 encoded signing key; mints development tokens, or verifies -token")
	flag.StringVar(&debugAddr, "debug-addr", os.Getenv("CHATSYNC_DEBUG_ADDR"), "address for the debug server, disabled when empty")
	flag.BoolVar(&ignoreUnknown, "ignore-unknown", envBool("CHATSYNC_IGNORE_UNKNOWN"), "don't reload conversations when a message for an unknown one arrives")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for the debug server")
	flag.Parse()

	cfg, err := config.NewConfig(wsURL, apiURL, userId, token, signingKey)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	tokens, err := auth.NewTokenSource(cfg.UserId, cfg.Token, cfg.SigningKey)
	if err != nil {
		logger.Fatal("credentials: ", err)
	}

	mux := http.NewServeMux()
	var statsProvider stats.StatsProvider = stats.Discard{}
	if debugAddr != "" {
		statsUpdater := stats.NewStatsUpdater(mux)
		statsUpdater.Run()
		defer statsUpdater.Stop()
		statsProvider = statsUpdater
	}

	client, err := api.NewClient(logger, cfg.APIBaseURL, tokens, nil, cfg.RequestsPerSecond)
	if err != nil {
		logger.Fatal("api client: ", err)
	}

	manager := transport.NewConnectionManager(logger, transport.Options{
		URL:                  cfg.WebSocketURL,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, tokens, statsProvider)

	opts := session.Options{
		PageSize:      cfg.PageSize,
		TypingTimeout: cfg.TypingTimeout,
	}
	if ignoreUnknown {
		opts.Unknown = session.IgnoreUnknown
	}
	sess := session.New(logger, cfg.UserId, manager, client, opts)

	out := newPrinter(os.Stdout)
	out.watch(sess, manager)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sess.Start(startCtx); err != nil {
		logger.Println("start:", err)
	}
	cancelStart()

	var debugSrv *monitor.Server
	errCh := make(chan error, 1)
	if debugAddr != "" {
		debugSrv = monitor.NewServer(logger, debugAddr, mux, statusFunc(sess, manager), allowedOrigins, os.Stderr)
		go func() {
			if err := debugSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		repl := &commands{sess: sess, manager: manager, out: out}
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if !repl.run(scanner.Text()) {
				return
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s", sig)
	case err := <-errCh:
		logger.Println("debug server:", err)
	case <-done:
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(shutDownCtx); err != nil {
			logger.Println(err)
		}
	}

	logger.Println("closing session...")
	sess.Stop()
	if err := manager.Shutdown(shutDownCtx); err != nil {
		logger.Println("connection manager shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func statusFunc(sess *session.Session, manager *transport.ConnectionManager) monitor.StatusFunc {
	return func() monitor.Status {
		snap := sess.Registry().Snapshot()
		st := monitor.Status{
			State:             manager.State().String(),
			UserId:            sess.Identity(),
			OpenConversations: sess.OpenConversations(),
			Conversations:     len(snap.Conversations),
			UnreadTotal:       snap.UnreadTotal,
		}
		if info, ok := manager.Connection(); ok {
			st.ConnectionId = info.Id
			st.ConnectedAt = &info.ConnectedAt
			st.LastHeartbeat = &info.LastHeartbeat
		}
		return st
	}
}
