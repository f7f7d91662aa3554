package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"deedvault/config"
	"deedvault/core/events"
	"deedvault/native/common"
	"deedvault/native/deed"
	"deedvault/native/escrow"
	"deedvault/observability"
	"deedvault/observability/logging"
	"deedvault/rpc"
	"deedvault/state"
	"deedvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("DEEDVAULT_ENV"))
	logger := logging.Setup("deedvaultd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	roles, err := cfg.Roles()
	if err != nil {
		logger.Error("failed to resolve registry roles", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	engine, err := escrow.NewEngine(roles)
	if err != nil {
		logger.Error("failed to construct escrow engine", slog.Any("error", err))
		os.Exit(1)
	}

	deeds := deed.NewRegistry()
	pauses := common.NewSwitchboard()
	pauses.SetPaused("escrow", cfg.EscrowPaused)
	feed := events.NewBuffer(cfg.EventBufferSize)

	engine.SetState(state.NewEscrowState(db))
	engine.SetPayout(state.NewAccountLedger(db))
	engine.SetCustody(deeds.Custodian(engine.VaultAddress()))
	engine.SetPauses(pauses)
	engine.SetEmitter(feed)

	observability.Escrow().MustRegister(prometheus.DefaultRegisterer)

	server := rpc.NewServer(engine, deeds, feed, logger)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving escrow RPC",
			slog.String("address", cfg.RPCAddress),
			slog.String("seller", addrHex(roles.Seller)),
			slog.String("inspector", addrHex(roles.Inspector)),
			slog.String("lender", addrHex(roles.Lender)),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
	}
	logger.Info("escrow registry stopped")
}

func addrHex(addr [20]byte) string {
	return ethcommon.Address(addr).Hex()
}
