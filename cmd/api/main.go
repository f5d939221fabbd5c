package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"duelcore/auth"
	"duelcore/circuitbreaker"
	"duelcore/config"
	"duelcore/escrow"
	"duelcore/matchfsm"
	"duelcore/matchmaking"
	"duelcore/orchestrator"
	"duelcore/paymentoracle"
	"duelcore/paymentworker"
	"duelcore/session"
	"duelcore/store"
	"duelcore/timing"
)

type ctxKey string

const (
	ctxKeyUserID   ctxKey = "user_id"
	requestTimeout        = 5 * time.Second
)

// orchestratorAPI is the slice of *orchestrator.Orchestrator the HTTP
// layer calls, narrowed to an interface so handlers can be exercised
// against a stub without a database.
type orchestratorAPI interface {
	Enqueue(ctx context.Context, userID, wallet string, stake float64) (orchestrator.EnqueueResult, error)
	CancelQueue(ctx context.Context, userID string, stake float64) error
	ConfirmStake(ctx context.Context, matchID, userID, reference string) (store.Match, error)
	Ready(ctx context.Context, matchID, userID string) (store.Match, error)
	GetState(ctx context.Context, matchID, userID string) (orchestrator.StateView, error)
	Tap(ctx context.Context, matchID, userID string, clientTS *int64) (orchestrator.TapOutcome, error)
	Heartbeat(ctx context.Context, matchID, userID string) error
	Claim(ctx context.Context, matchID, userID string) (store.Match, error)
	Disconnect(ctx context.Context, matchID, userID string, connectedAt time.Time)
}

type Server struct {
	pool         *pgxpool.Pool
	authService  *auth.Service
	orchestrator orchestratorAPI
	matches      *store.MatchRepository
	taps         *store.TapEventRepository
	intents      *store.PaymentIntentRepository
	ledger       *store.LedgerRepository
	hub          *session.Hub
}

func main() {
	ctx := context.Background()
	cfg := config.Load()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("determine working directory: %v", err)
	}
	if err := store.ApplyMigrations(ctx, pool, wd+"/migrations"); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	matches := store.NewMatchRepository(pool)
	taps := store.NewTapEventRepository(pool)
	intents := store.NewPaymentIntentRepository(pool)
	users := store.NewUserRepository(pool)
	ledger := store.NewLedgerRepository(pool)
	findings := store.NewAntiCheatFindingRepository(pool)
	queueEntries := store.NewQueueEntryRepository(pool)

	sessionCoordinator, err := session.NewCoordinator(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect session coordinator: %v", err)
	}
	hub := session.NewHub()

	queue := matchmaking.New(queueEntries, sessionCoordinator, cfg.MatchmakingTimeout)

	escrowClient := escrow.NewIdempotent(escrow.NewHTTPClient(cfg.WorldChainRPCURL, cfg.EscrowContractAddr))

	orch := orchestrator.New(pool, matches, taps, intents, users, ledger, findings, queue, sessionCoordinator,
		escrowClient, timing.SystemClock{}, hub, orchestrator.Config{
			SignalDelayMin:     cfg.SignalDelayMin,
			SignalDelayMax:     cfg.SignalDelayMax,
			CountdownDuration:  cfg.CountdownDuration,
			ClockSyncTolerance: cfg.ClockSyncTolerance,
			MaxWindowMS:        cfg.MaxWindowMS,
			MaxReactionMS:      cfg.MaxReactionMS,
			MinHumanReactionMS: cfg.MinHumanReaction,
			PlatformFeePercent: cfg.PlatformFeePercent,
			ClaimWindow:        cfg.ClaimWindow,
			RefundWindow:       cfg.RefundWindow,
			ReadyTimeout:       cfg.ReadyTimeout,
			TapWindow:          cfg.TapWindow,
			MinFundingDuration: cfg.MinFundingDuration,
			MaxHardReconnects:  cfg.MaxHardReconnects,
			StableConnection:   cfg.StableConnectionThreshold,
			ActiveMatchTTL:     cfg.ActiveMatchTTL,
			MatchmakingTimeout: cfg.MatchmakingTimeout,
		})

	oracleClient := paymentoracle.NewClient(cfg.WorldChainRPCURL, cfg.DevPortalAPIKey)
	oracleBreaker := circuitbreaker.New("payment_oracle", circuitbreaker.OracleDefaults())
	worker := paymentworker.New(pool, intents, oracleClient, oracleBreaker, paymentworker.Config{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
		StaleWindow:  cfg.StaleWindow,
		BatchSize:    cfg.BatchSize,
		LeaseTTL:     cfg.LeaseTTL,
		RetryBase:    cfg.RetryBase,
		RetryMax:     cfg.RetryMax,
	})
	go worker.Run(ctx)
	go runSweeps(ctx, orch, queue, cfg)

	authService := auth.NewService(users, cfg.JWTSecret, 24*time.Hour)

	server := &Server{
		pool:         pool,
		authService:  authService,
		orchestrator: orch,
		matches:      matches,
		taps:         taps,
		intents:      intents,
		ledger:       ledger,
		hub:          hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", server.handleLogin)
	mux.HandleFunc("/ws/match/", server.authMiddleware(server.handleMatchSocket))
	mux.HandleFunc("/api/match/enqueue", server.authMiddleware(server.handleEnqueue))
	mux.HandleFunc("/api/match/cancel", server.authMiddleware(server.handleCancelQueue))
	mux.HandleFunc("/api/match/confirm-stake", server.authMiddleware(server.handleConfirmStake))
	mux.HandleFunc("/api/match/ready", server.authMiddleware(server.handleReady))
	mux.HandleFunc("/api/match/state/", server.authMiddleware(server.handleMatchState))
	mux.HandleFunc("/api/match/tap", server.authMiddleware(server.handleTap))
	mux.HandleFunc("/api/match/result/", server.authMiddleware(server.handleMatchResult))
	mux.HandleFunc("/api/match/heartbeat", server.authMiddleware(server.handleHeartbeat))
	mux.HandleFunc("/api/match/claim", server.authMiddleware(server.handleClaim))
	mux.HandleFunc("/api/matches/history", server.authMiddleware(server.handleMatchHistory))
	mux.HandleFunc("/api/initiate-payment", server.authMiddleware(server.handleInitiatePayment))
	mux.HandleFunc("/api/confirm-payment", server.authMiddleware(server.handleConfirmPayment))
	mux.HandleFunc("/api/payment/", server.authMiddleware(server.handlePaymentDetail))

	handler := loggingMiddleware(corsMiddleware(mux))

	log.Printf("server starting on http://localhost:%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// runSweeps drives every background tick the orchestrator and queue
// need: matchmaking grace-period cleanup and the orchestrator's GC,
// claim-expiry, refund, and heartbeat watchdogs. None of these block a
// request handler.
func runSweeps(ctx context.Context, orch *orchestrator.Orchestrator, queue *matchmaking.Queue, cfg config.Config) {
	gcTicker := time.NewTicker(cfg.GCSweepInterval)
	claimTicker := time.NewTicker(time.Minute)
	refundTicker := time.NewTicker(30 * time.Second)
	heartbeatTicker := time.NewTicker(cfg.HeartbeatDisconnectAfter)
	queueTicker := time.NewTicker(cfg.DisconnectGrace)
	defer gcTicker.Stop()
	defer claimTicker.Stop()
	defer refundTicker.Stop()
	defer heartbeatTicker.Stop()
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcTicker.C:
			orch.RunGCSweep(ctx, cfg.GCMatchAge)
		case <-claimTicker.C:
			orch.RunClaimExpirySweep(ctx)
		case <-refundTicker.C:
			orch.RunRefundSweep(ctx, cfg.BatchSize)
		case <-heartbeatTicker.C:
			orch.RunHeartbeatSweep(ctx, cfg.HeartbeatDisconnectAfter)
		case <-queueTicker.C:
			if _, err := queue.Sweep(ctx, cfg.DisconnectGrace); err != nil {
				log.Printf("queue sweep: %v", err)
			}
		}
	}
}

// handleLogin resolves a wallet address to a session token. The wallet
// signature challenge that proves ownership happens upstream of this
// service; a request reaching here is assumed already verified.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.authService.Login(ctx, req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidWallet) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  newUserResponse(result.User),
	})
}

// authMiddleware validates the bearer session token issued by
// handleLogin and injects the caller's user id into the request context.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		userID, err := s.authService.VerifyToken(parts[1])
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next(w, r.WithContext(ctx))
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("HTTP %s %s -> %d (%s)", r.Method, r.URL.Path, lrw.statusCode, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}

func userIDFromContext(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(ctxKeyUserID).(string)
	return userID, ok && userID != ""
}

type userResponse struct {
	ID               string  `json:"id"`
	WalletAddress    string  `json:"walletAddress"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	AvgReactionMS    float64 `json:"avgReactionMs"`
	CompletedMatches int     `json:"completedMatches"`
}

func newUserResponse(u store.User) userResponse {
	return userResponse{
		ID: u.ID, WalletAddress: u.WalletAddress, Wins: u.Wins, Losses: u.Losses,
		AvgReactionMS: u.AvgReactionMS, CompletedMatches: u.CompletedMatches,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		Stake float64 `json:"stake"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	user, err := s.authService.GetUserByID(ctx, userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	result, err := s.orchestrator.Enqueue(ctx, userID, user.WalletAddress, req.Stake)
	if err != nil {
		if errors.Is(err, matchmaking.ErrActiveMatch) {
			respondError(w, http.StatusConflict, "user already has an active match")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": result.Status, "matchId": nullableString(result.MatchID)})
}

func (s *Server) handleCancelQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		Stake float64 `json:"stake"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.orchestrator.CancelQueue(ctx, userID, req.Stake); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to cancel")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (s *Server) handleConfirmStake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		MatchID    string `json:"matchId"`
		PaymentRef string `json:"paymentReference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	match, err := s.orchestrator.ConfirmStake(ctx, req.MatchID, userID, req.PaymentRef)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	bothStaked := match.Player1Staked && match.Player2Staked
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"bothStaked": bothStaked,
		"canStart":   match.Status == string(matchfsm.Ready),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		MatchID string `json:"matchId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	match, err := s.orchestrator.Ready(ctx, req.MatchID, userID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"bothReady": match.Player1Ready && match.Player2Ready,
	}
	if match.GreenLightTime != nil {
		resp["greenLightTime"] = *match.GreenLightTime
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMatchState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	matchID := strings.TrimPrefix(r.URL.Path, "/api/match/state/")
	if matchID == "" {
		respondError(w, http.StatusBadRequest, "missing match id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	view, err := s.orchestrator.GetState(ctx, matchID, userID)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	match, err := s.matches.Get(ctx, matchID)
	if err != nil {
		respondError(w, http.StatusNotFound, "match not found")
		return
	}

	opponentID, opponentWallet := match.Player2ID, match.Player2Wallet
	playerTapped, opponentTapped := match.Player1ReactionMS != nil, match.Player2ReactionMS != nil
	if match.Player2ID == userID {
		opponentID, opponentWallet = match.Player1ID, match.Player1Wallet
		playerTapped, opponentTapped = opponentTapped, playerTapped
	}

	now := time.Now()
	resp := map[string]any{
		"state":          view.SubState,
		"status":         view.Status,
		"greenLightTime": view.GreenLightTime,
		"greenLightActive": view.SubState == "go",
		"countdown":      view.CountdownSeconds,
		"playerTapped":   playerTapped,
		"opponentTapped": opponentTapped,
		"winnerId":       match.WinnerID,
		"serverTime":     now.UnixMilli(),
		"opponent":       map[string]any{"userId": opponentID, "wallet": opponentWallet},
		"stateLocked":    match.IsTerminal(),
		"claimStatus":    match.ClaimStatus,
		"claimDeadline":  match.ClaimDeadline,
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resp)
}

// handleMatchSocket upgrades the caller's connection to a websocket and
// registers it with the session hub under userID, so the orchestrator's
// both-players-live guard on READY→STARTED can see the connection. The
// read loop exists only to detect the connection closing; the client is
// not expected to send anything over it.
func (s *Server) handleMatchSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	matchID := strings.TrimPrefix(r.URL.Path, "/ws/match/")
	if matchID == "" {
		respondError(w, http.StatusBadRequest, "missing match id")
		return
	}

	conn, err := s.hub.Upgrade(w, r, userID)
	if err != nil {
		log.Printf("websocket upgrade failed for %s: %v", userID, err)
		return
	}
	connectedAt := time.Now()

	defer func() {
		conn.Close()
		s.hub.Remove(userID, conn)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s.orchestrator.Disconnect(ctx, matchID, userID, connectedAt)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		MatchID         string `json:"matchId"`
		ClientTimestamp *int64 `json:"clientTimestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	outcome, err := s.orchestrator.Tap(ctx, req.MatchID, userID, req.ClientTimestamp)
	if err != nil {
		if errors.Is(err, orchestrator.ErrWindowExpired) {
			respondError(w, http.StatusBadRequest, "tap window expired")
			return
		}
		writeOrchestratorError(w, err)
		return
	}

	resp := map[string]any{
		"success": true,
		"tap": map[string]any{
			"reactionMs":   outcome.ReactionMS,
			"isValid":      outcome.IsValid,
			"disqualified": outcome.Disqualified,
		},
		"waitingForOpponent": !outcome.Completed,
	}
	if outcome.Disqualified {
		resp["disqualified"] = true
		resp["tap"].(map[string]any)["reason"] = outcome.Reason
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMatchResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	matchID := strings.TrimPrefix(r.URL.Path, "/api/match/result/")
	if matchID == "" {
		respondError(w, http.StatusBadRequest, "missing match id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	match, err := s.matches.Get(ctx, matchID)
	if err != nil {
		respondError(w, http.StatusNotFound, "match not found")
		return
	}
	if !match.IsParticipant(userID) {
		respondError(w, http.StatusForbidden, "not a participant in this match")
		return
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	defer tx.Rollback(ctx)

	tapRows, err := s.taps.ListForMatch(ctx, tx, matchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load taps")
		return
	}

	taps := make([]map[string]any, 0, len(tapRows))
	for _, t := range tapRows {
		taps = append(taps, map[string]any{
			"userId":       t.UserID,
			"reactionMs":   t.ReactionMS,
			"isValid":      t.IsValid,
			"disqualified": t.Disqualified,
		})
	}

	isWinner := match.WinnerID != nil && *match.WinnerID == userID
	respondJSON(w, http.StatusOK, map[string]any{
		"matchId":    match.ID,
		"status":     match.Status,
		"resultType": match.ResultType,
		"winnerId":   match.WinnerID,
		"isWinner":   isWinner,
		"taps":       taps,
		"feeOwed":    match.FeeOwed,
		"claimStatus": match.ClaimStatus,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		MatchID string `json:"matchId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.orchestrator.Heartbeat(ctx, req.MatchID, userID); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "ping": time.Now().UnixMilli()})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		MatchID string `json:"matchId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	match, err := s.orchestrator.Claim(ctx, req.MatchID, userID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyClaimed) {
			respondError(w, http.StatusConflict, "winnings already claimed or expired")
			return
		}
		writeOrchestratorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true, "claimStatus": match.ClaimStatus})
}

func (s *Server) handleMatchHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rows, err := s.matches.ListForUser(ctx, userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, m := range rows {
		refundEligible := m.StakeAmount > 0 && (m.Status == "cancelled" || m.Status == "refunded")
		items = append(items, map[string]any{
			"matchId":        m.ID,
			"status":         m.Status,
			"resultType":     m.ResultType,
			"winnerId":       m.WinnerID,
			"stakeAmount":    m.StakeAmount,
			"claimStatus":    m.ClaimStatus,
			"refundEligible": refundEligible,
			"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reference, err := newPaymentReference()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate reference")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.intents.Create(ctx, userID, reference, req.Amount); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initiate payment")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": reference})
}

func newPaymentReference() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate payment reference: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	var req struct {
		Payload struct {
			Reference     string `json:"reference"`
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	intent, err := s.intents.ConfirmWebhook(ctx, req.Payload.Reference, req.Payload.TransactionID, req.Payload.Status)
	if err != nil {
		if errors.Is(err, store.ErrPaymentIntentNotFound) {
			respondError(w, http.StatusNotFound, "payment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to confirm payment")
		return
	}
	if intent.OwnerUserID != userID {
		respondError(w, http.StatusForbidden, "not the owner of this payment")
		return
	}

	normalized := paymentoracle.Normalize(req.Payload.Status)
	if normalized != paymentoracle.Pending {
		if err := s.intents.UpdateNormalizedStatus(ctx, intent.ID, req.Payload.Status, string(normalized), nil, nil); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to finalize payment status")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"pending":     normalized == paymentoracle.Pending,
		"transaction": req.Payload.TransactionID,
		"payment":     newPaymentResponse(intent),
	})
}

func (s *Server) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid authentication context")
		return
	}

	reference := strings.TrimPrefix(r.URL.Path, "/api/payment/")
	if reference == "" {
		respondError(w, http.StatusBadRequest, "missing payment reference")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	intent, err := s.intents.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrPaymentIntentNotFound) {
			respondError(w, http.StatusNotFound, "payment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}
	if intent.OwnerUserID != userID {
		respondError(w, http.StatusForbidden, "not the owner of this payment")
		return
	}

	respondJSON(w, http.StatusOK, newPaymentResponse(intent))
}

func newPaymentResponse(p store.PaymentIntent) map[string]any {
	return map[string]any{
		"reference":       p.Reference,
		"amount":          p.Amount,
		"status":          p.NormalizedStatus,
		"matchId":         p.MatchID,
		"transactionHash": p.TransactionHash,
		"refundStatus":    p.RefundStatus,
		"createdAt":       p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// writeOrchestratorError maps the orchestrator's sentinel errors to HTTP
// status codes, matching the teacher's errors.Is dispatch idiom.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "not a participant in this match")
	case errors.Is(err, orchestrator.ErrPrecondition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMatchNotFound):
		respondError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, store.ErrPaymentIntentNotFound):
		respondError(w, http.StatusNotFound, "payment intent not found")
	default:
		respondError(w, http.StatusInternalServerError, "request failed")
	}
}
