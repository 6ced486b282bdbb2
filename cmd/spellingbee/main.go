// Command spellingbee runs one peer of a LAN spelling-bee tournament.
// Configuration comes from SPELLINGBEE_* environment variables; answers are
// read from stdin, one per line.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/vimeo/spellingbee"
	"github.com/vimeo/spellingbee/game"
	"github.com/vimeo/spellingbee/gcs"
	"github.com/vimeo/spellingbee/healthgrpc"
	"github.com/vimeo/spellingbee/internal/admin"
	"github.com/vimeo/spellingbee/internal/config"
	"github.com/vimeo/spellingbee/internal/console"
	"github.com/vimeo/spellingbee/internal/telemetry"
	"github.com/vimeo/spellingbee/transport"
	"github.com/vimeo/spellingbee/wire"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spellingbee: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(lvl zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lvl <= zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func loadWords(path string) ([]string, error) {
	if path == "" {
		return game.DefaultWords, nil
	}
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open word list: %w", openErr)
	}
	defer f.Close()
	return game.LoadWords(f)
}

func run() error {
	cfg, cfgErr := config.FromEnv(os.LookupEnv)
	if cfgErr != nil {
		return fmt.Errorf("invalid configuration: %w", cfgErr)
	}
	logger, logErr := newLogger(cfg.LogLevel)
	if logErr != nil {
		return fmt.Errorf("failed to construct logger: %w", logErr)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("self", cfg.ID))

	metrics := telemetry.New()
	metrics.SetBuildInfo(version, gitSHA)

	words, wordsErr := loadWords(cfg.WordsFile)
	if wordsErr != nil {
		return wordsErr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, listenErr := transport.Listen(ctx, transport.Config{
		Port:      cfg.Port,
		Broadcast: cfg.Broadcast,
		Logger:    logger,
		Metrics:   metrics,
	})
	if listenErr != nil {
		return listenErr
	}
	logger.Info("listening", zap.Stringer("addr", tr.LocalAddr()), zap.Strings("broadcast", tr.Destinations()))

	con := console.New(os.Stdout, cfg.ID)
	sinks := []spellingbee.Sink{con}
	if cfg.GCSBucket != "" {
		client, clientErr := storage.NewClient(ctx)
		if clientErr != nil {
			tr.Close()
			return fmt.Errorf("failed to construct GCS client: %w", clientErr)
		}
		defer client.Close()
		// the archive write may still be running after a signal
		archive := gcs.NewArchive(context.WithoutCancel(ctx), client, cfg.GCSBucket, cfg.GCSObject,
			gcs.WithLogger(logger), gcs.WithObjectReaders(cfg.GCSReaders...))
		defer archive.Wait()
		sinks = append(sinks, archive)
	}

	health := healthgrpc.New()
	defer health.Shutdown()

	node, nodeErr := spellingbee.NewNode(spellingbee.Config{
		ID:        cfg.ID,
		Transport: tr,
		NewGame: func(standings wire.Scoreboard) spellingbee.Game {
			t := game.New(words)
			t.Restore(standings)
			return t
		},
		Player:    con,
		Sinks:     sinks,
		OnElected: health.OnElected,
		OnOusting: health.OnOusting,
		LeaderChanged: func(_ context.Context, leaderID string) {
			logger.Info("leader changed", zap.String("leader", leaderID))
		},
		Policy:          cfg.Policy(),
		DiscoveryWindow: cfg.DiscoveryWindow,
		RoundTimeout:    cfg.RoundTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})
	if nodeErr != nil {
		tr.Close()
		return fmt.Errorf("failed to construct node: %w", nodeErr)
	}

	if cfg.AdminAddr != "" {
		lis, adminErr := net.Listen("tcp", cfg.AdminAddr)
		if adminErr != nil {
			tr.Close()
			return fmt.Errorf("failed to listen on admin address %q: %w", cfg.AdminAddr, adminErr)
		}
		srv := &http.Server{
			Handler:           admin.NewRouter(node, metrics, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if serveErr := srv.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(serveErr))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.GRPCAddr != "" {
		lis, grpcErr := net.Listen("tcp", cfg.GRPCAddr)
		if grpcErr != nil {
			tr.Close()
			return fmt.Errorf("failed to listen on gRPC address %q: %w", cfg.GRPCAddr, grpcErr)
		}
		gs := grpc.NewServer()
		health.Register(gs)
		go func() {
			if serveErr := gs.Serve(lis); serveErr != nil {
				logger.Error("gRPC server failed", zap.Error(serveErr))
			}
		}()
		defer gs.GracefulStop()
	}

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			node.SubmitAnswer(sc.Text())
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-node.Done():
		case <-runCtx.Done():
			return
		}
		// keep heartbeating for a moment so GAME_OVER reaches stragglers
		logger.Info("tournament finished; lingering before shutdown")
		select {
		case <-time.After(2 * cfg.HeartbeatInterval):
		case <-runCtx.Done():
		}
		cancelRun()
	}()

	if runErr := node.Run(runCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
