package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"teamchat/config"
	"teamchat/server"
	"teamchat/store"
)

const controlSocketPath = "/tmp/teamchat.sock"

func main() {
	sugar, err := setupLogger()
	if err != nil {
		os.Exit(1)
	}

	cfg := config.Load()

	st, err := store.Open(cfg.UsersFile, cfg.MessagesFile, sugar)
	if err != nil {
		sugar.Fatalw("failed to open store", "error", err)
	}

	srv := server.New(st, &server.Config{
		Port:         cfg.Port,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		MaxSessions:  int64(cfg.MaxSessions),
	}, sugar)

	go startControlSocket(srv, st, sugar)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		sugar.Infow("shutting down", "signal", sig.String())
		srv.Shutdown()
		st.Close()
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		sugar.Fatalw("server failed", "error", err)
	}
}

func setupLogger() (*zap.SugaredLogger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.OutputPaths = []string{"stdout"}
	logger, err := logConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// startControlSocket serves management commands on a unix socket:
// "stats" and "shutdown".
func startControlSocket(srv *server.Server, st *store.Store, sugar *zap.SugaredLogger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		sugar.Warnw("failed to create control socket", "error", err)
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	sugar.Infow("control socket listening", "path", controlSocketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, st, sugar, conn)
	}
}

func handleControlCommand(srv *server.Server, st *store.Store, sugar *zap.SugaredLogger, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		sugar.Info("shutdown requested via control socket")
		srv.Shutdown()
		st.Close()
		os.Remove(controlSocketPath)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
