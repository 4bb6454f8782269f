// Command gateway boots the browser-session reverse proxy: it wires
// configuration, credential discovery, rotation history, the browser
// agent's control channel, and the HTTP API together, then serves until a
// termination signal arrives. Grounded on the teacher's cmd/main.go
// (initDatabase, setupRoutes, the ListenAndServe/os/signal/Shutdown
// sequence), generalized from the teacher's stateless-key-router store to
// this gateway's credential/rotation/link stack.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmgw/browser-gateway/internal/config"
	"github.com/llmgw/browser-gateway/internal/coordinator"
	"github.com/llmgw/browser-gateway/internal/credstore"
	"github.com/llmgw/browser-gateway/internal/dbstore"
	"github.com/llmgw/browser-gateway/internal/httpapi"
	"github.com/llmgw/browser-gateway/internal/link"
	"github.com/llmgw/browser-gateway/internal/logging"
	"github.com/llmgw/browser-gateway/internal/ratelimit"
	"github.com/llmgw/browser-gateway/internal/rotation"
)

const authDir = "auth"

// usageSampleInterval is how often the bound credential's usage/failure
// counters are snapshotted into dbstore as SPEC_FULL.md §3's UsageSample
// rows. No endpoint reads these samples back.
const usageSampleInterval = 30 * time.Second

func runUsageSampler(rot *rotation.Controller, stop <-chan struct{}) {
	ticker := time.NewTicker(usageSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rot.SampleUsage()
		case <-stop:
			return
		}
	}
}

func main() {
	cfg := config.Load()

	ring := logging.NewRing(500)
	log, err := logging.New("gateway.log", ring)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}

	secret, err := newSecretProvider(cfg.AESKey)
	if err != nil {
		log.Fatal("failed to initialize credential secret provider: ", err)
	}

	creds, err := credstore.Discover(authDir, secret, log)
	if err != nil {
		log.Fatal("failed to discover credentials: ", err)
	}

	db, err := openDatabase(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open rotation history database: ", err)
	}
	store, err := dbstore.New(db, log)
	if err != nil {
		log.Fatal("failed to initialize rotation history store: ", err)
	}
	defer store.Close()

	var limiter *ratelimit.Registry
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimitRPS, int(cfg.RateLimitRPS)+1)
	}

	agentLink := link.New(log, func() {
		log.Warn("browser agent link lost")
	})

	initial := cfg.InitialAuthIndex
	if initial == 0 && len(creds.InitialIndices()) > 0 {
		initial = creds.InitialIndices()[0]
	}

	rot := rotation.New(rotation.Config{
		AvailableIndices:     creds.AvailableIndices(),
		InitialIndex:         initial,
		FailureThreshold:     cfg.FailureThreshold,
		SwitchOnUses:         cfg.SwitchOnUses,
		ImmediateStatusCodes: cfg.ImmediateSwitchStatusCodes,
	}, &sessionBinder{creds: creds, link: agentLink}, store, limiter, log)

	co := coordinator.New(rot, agentLink, &cfg, log)

	stopSampling := make(chan struct{})
	go runUsageSampler(rot, stopSampling)
	defer close(stopSampling)

	engine := httpapi.NewEngine(co, rot, cfg.APIKeys, log)
	engine.GET("/ws/agent", func(c *gin.Context) {
		handleAgentUpgrade(c, agentLink, log)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{Addr: addr, Handler: engine}

	go func() {
		log.Infof("browser gateway listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown: ", err)
	}
	log.Info("gateway exited")
}

func newSecretProvider(aesKey string) (credstore.SecretProvider, error) {
	if aesKey == "" {
		return credstore.NewNoOpSecretProvider(), nil
	}
	return credstore.NewAESSecretProvider(aesKey)
}

func openDatabase(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAgentUpgrade accepts the browser agent's single control-channel
// connection. Unlike client traffic this endpoint is not gated by
// AuthMiddleware; spec.md leaves agent authentication to the deployment's
// network boundary (a loopback or private-network bind), the same
// assumption the teacher makes about its own internal worker connections.
func handleAgentUpgrade(c *gin.Context, l *link.BrowserAgentLink, log *logrus.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("browser agent upgrade failed")
		return
	}
	l.Accept(conn)
}

// sessionBinder implements rotation.Rebinder by resolving a credential
// index to its stored blob and asking the live browser agent to swap to
// it over the control channel. It is the only piece of production code
// that bridges internal/credstore and internal/link.
type sessionBinder struct {
	creds *credstore.Store
	link  *link.BrowserAgentLink
}

func (b *sessionBinder) Rebind(ctx context.Context, credentialIndex int) error {
	cred, err := b.creds.Get(credentialIndex)
	if err != nil {
		return fmt.Errorf("sessionBinder: %w", err)
	}
	return b.link.SendRebind(ctx, credentialIndex, cred.Blob)
}
