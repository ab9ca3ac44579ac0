// Command gatewayd runs the payment gateway: an HTTP server whose routes
// are gated behind x402 payments or prepaid API-key balances, plus account,
// creator and admin endpoints.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/assets"
	"github.com/sol402/gateway/config"
	"github.com/sol402/gateway/database"
	"github.com/sol402/gateway/freetier"
	"github.com/sol402/gateway/gate"
	"github.com/sol402/gateway/ledger"
	ginmw "github.com/sol402/gateway/middleware/gin"
	"github.com/sol402/gateway/quote"
	"github.com/sol402/gateway/reconcile"
	"github.com/sol402/gateway/store"
	"github.com/sol402/gateway/types"
	"github.com/sol402/gateway/verify"
)

func main() {
	logger, cleanup := initializeLogger()
	defer cleanup()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	treasury, err := solana.PublicKeyFromBase58(cfg.TreasuryAddress)
	if err != nil {
		logger.Fatal("Invalid treasury address", zap.String("address", cfg.TreasuryAddress), zap.Error(err))
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	catalog := assets.Default()
	if cfg.AssetsFile != "" {
		catalog, err = assets.LoadFile(cfg.AssetsFile)
		if err != nil {
			logger.Fatal("Failed to load asset catalog", zap.String("path", cfg.AssetsFile), zap.Error(err))
		}
	}
	usdc, err := catalog.Get(types.AssetUSDC)
	if err != nil {
		logger.Fatal("Asset catalog is missing USDC", zap.Error(err))
	}

	endpoints := append(append([]string{}, cfg.RPCEndpoints...), verify.PublicFallbackEndpoints...)
	pool := verify.NewPool(endpoints)

	// Cross-check configured token decimals against the chain before any
	// quote is issued; a catalog typo here would misprice every quote.
	if conn, perr := pool.Get(ctx); perr != nil {
		zap.L().Warn("Skipping on-chain asset verification, no RPC endpoint reachable", zap.Error(perr))
	} else if err := catalog.VerifyOnChain(ctx, conn, types.AssetUSDC); err != nil {
		logger.Fatal("Asset catalog failed on-chain verification", zap.Error(err))
	}

	price := verify.NewPriceClient(cfg.PriceURL)

	verifyOpts := []verify.Option{verify.WithTolerances(cfg.Tolerances)}
	if indexer := verify.NewHeliusClient(cfg.HeliusBaseURL, cfg.HeliusAPIKey); indexer != nil {
		verifyOpts = append(verifyOpts, verify.WithIndexer(indexer))
	}
	verifier := verify.New(pool, price, catalog, verifyOpts...)

	quotes := quote.New(st, catalog, treasury, cfg.QuoteTTL)
	lg := ledger.New(st)
	counter := freetier.New(st)
	keys := gate.NewKeyManager(st, cfg.APIKeyPrefix)
	g := gate.New(st, quotes, verifier, keys, lg, counter)
	reconciler := reconcile.New(st, pool, treasury, usdc, cfg.ReconcileTolerance)

	srv := &server{
		gate:       g,
		ledger:     lg,
		keys:       keys,
		reconciler: reconciler,
		verifier:   verifier,
		treasury:   treasury,
		adminToken: cfg.AdminToken,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zap.L().Info("Gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Shutdown failed", zap.Error(err))
	}
}

func initializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}
	return logger, cleanup
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.MemoryStore {
		zap.L().Warn("Using the in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	}
	return database.New(ctx, cfg.Database)
}

type server struct {
	gate       *gate.Gate
	ledger     *ledger.Service
	keys       *gate.KeyManager
	reconciler *reconcile.Engine
	verifier   *verify.Service
	treasury   solana.PublicKey
	adminToken string
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Demo gated routes. Real deployments register their own handlers
	// behind the same middleware.
	api := r.Group("/api")
	api.GET("/echo",
		ginmw.Payment(s.gate, "echo", decimal.NewFromFloat(0.01),
			ginmw.WithName("Echo"),
			ginmw.WithFreeTier(3, types.PeriodDaily)),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"echo": c.Query("q")})
		})
	api.GET("/premium",
		ginmw.Payment(s.gate, "premium", decimal.NewFromFloat(0.05),
			ginmw.WithName("Premium"),
			ginmw.WithAsset(types.AssetSOL)),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"data": "premium payload"})
		})

	accounts := r.Group("/accounts")
	accounts.GET("/:wallet", s.getAccount)
	accounts.POST("/:wallet/deposits", s.deposit)

	creators := r.Group("/creators")
	creators.GET("/:creator/earnings", s.getEarnings)
	creators.POST("/:creator/withdrawals", s.requestWithdrawal)

	admin := r.Group("/admin", s.requireAdmin)
	admin.POST("/keys", s.issueKey)
	admin.POST("/reconcile", s.runReconciliation)
	admin.POST("/withdrawals/:id/complete", s.completeWithdrawal)
	admin.POST("/withdrawals/:id/fail", s.failWithdrawal)

	return r
}

func (s *server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "admin endpoints disabled"})
		return
	}
	auth := c.GetHeader("Authorization")
	if auth != "Bearer "+s.adminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
		return
	}
	c.Next()
}

func (s *server) getAccount(c *gin.Context) {
	acct, err := s.ledger.Account(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":          acct.Wallet,
		"balance_usd":     acct.BalanceUSD,
		"total_deposited": acct.TotalDeposited,
		"total_spent":     acct.TotalSpent,
	})
}

type depositRequest struct {
	AmountUSD decimal.Decimal `json:"amount_usd" binding:"required"`
	TxRef     string          `json:"tx_ref" binding:"required"`
}

// deposit credits a prepaid balance after proving the funding transfer
// on-chain with the same verifier that gates x402 payments.
func (s *server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": types.ErrCodeValidation, "message": err.Error()})
		return
	}
	wallet := c.Param("wallet")

	verified, err := s.verifier.VerifyTransaction(c.Request.Context(), req.TxRef, req.AmountUSD, s.treasury.String(), types.AssetUSDC)
	if err != nil {
		writeError(c, err)
		return
	}
	if !verified {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   types.ErrCodeVerificationFailed,
			"message": "deposit transfer could not be verified",
		})
		return
	}

	if err := s.ledger.Deposit(c.Request.Context(), wallet, req.AmountUSD, req.TxRef); err != nil {
		writeError(c, err)
		return
	}
	acct, err := s.ledger.Account(c.Request.Context(), wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet, "balance_usd": acct.BalanceUSD})
}

func (s *server) getEarnings(c *gin.Context) {
	e, err := s.ledger.Earnings(c.Request.Context(), c.Param("creator"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"creator_id":        e.CreatorID,
		"available_balance": e.AvailableBalance,
		"total_earned":      e.TotalEarned,
		"total_withdrawn":   e.TotalWithdrawn,
	})
}

type withdrawalRequest struct {
	AmountUSD     decimal.Decimal `json:"amount_usd" binding:"required"`
	PayoutAddress string          `json:"payout_address" binding:"required"`
}

func (s *server) requestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": types.ErrCodeValidation, "message": err.Error()})
		return
	}
	w, err := s.ledger.RequestWithdrawal(c.Request.Context(), c.Param("creator"), req.AmountUSD, req.PayoutAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"withdrawal_id": w.ID,
		"amount_usd":    w.AmountUSD,
		"status":        w.Status,
	})
}

type issueKeyRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

func (s *server) issueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": types.ErrCodeValidation, "message": err.Error()})
		return
	}
	plaintext, key, err := s.keys.Issue(c.Request.Context(), req.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	// The plaintext appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{
		"api_key":    plaintext,
		"key_id":     key.ID,
		"masked_key": key.MaskedKey,
	})
}

func (s *server) runReconciliation(c *gin.Context) {
	rec := s.reconciler.Run(c.Request.Context(), "admin")
	c.JSON(http.StatusOK, reconcile.ReportFrom(rec))
}

type completeWithdrawalRequest struct {
	TxRef string `json:"tx_ref" binding:"required"`
}

func (s *server) completeWithdrawal(c *gin.Context) {
	var req completeWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": types.ErrCodeValidation, "message": err.Error()})
		return
	}
	if err := s.ledger.CompleteWithdrawal(c.Request.Context(), c.Param("id"), req.TxRef); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": types.WithdrawalCompleted})
}

type failWithdrawalRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *server) failWithdrawal(c *gin.Context) {
	var req failWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": types.ErrCodeValidation, "message": err.Error()})
		return
	}
	if err := s.ledger.FailWithdrawal(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": types.WithdrawalFailed})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	code := types.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case types.ErrCodeValidation, types.ErrCodeQuoteExpired:
		status = http.StatusBadRequest
	case types.ErrCodeNotFound:
		status = http.StatusNotFound
	case types.ErrCodeVerificationFailed:
		status = http.StatusForbidden
	case types.ErrCodeInsufficientBalance:
		status = http.StatusPaymentRequired
	case types.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	body := gin.H{"error": code, "message": err.Error()}
	var ib *types.InsufficientBalanceError
	if errors.As(err, &ib) {
		body["balance"] = ib.Balance
		body["required"] = ib.Required
	}
	c.JSON(status, body)
}
