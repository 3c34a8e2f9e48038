package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftmail/engine/internal/auth"
	"github.com/driftmail/engine/internal/config"
	"github.com/driftmail/engine/internal/engine"
	"github.com/driftmail/engine/internal/idle"
	"github.com/driftmail/engine/internal/notify"
	"github.com/driftmail/engine/internal/provider"
	"github.com/driftmail/engine/internal/store"
	"github.com/driftmail/engine/internal/token"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type oauthAccountRequest struct {
	Kind         string `json:"kind" binding:"required"`
	Email        string `json:"email" binding:"required"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken" binding:"required"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type imapAccountRequest struct {
	Email    string `json:"email" binding:"required"`
	IMAPHost string `json:"imapHost" binding:"required"`
	IMAPPort int    `json:"imapPort" binding:"required"`
	IMAPTLS  bool   `json:"imapTls"`
	SMTPHost string `json:"smtpHost" binding:"required"`
	SMTPPort int    `json:"smtpPort" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sendRequest struct {
	Message   provider.OutgoingMessage `json:"message" binding:"required"`
	ReplyToID int64                    `json:"replyToId"`
}

type scheduleRequest struct {
	Message   provider.OutgoingMessage `json:"message" binding:"required"`
	ReplyToID int64                    `json:"replyToId"`
	SendAt    int64                    `json:"sendAt" binding:"required"`
}

type rescheduleRequest struct {
	Message *provider.OutgoingMessage `json:"message"`
	SendAt  int64                     `json:"sendAt" binding:"required"`
}

type batchRequest struct {
	Op       string  `json:"op" binding:"required"`
	EmailIDs []int64 `json:"emailIds" binding:"required"`
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	// User auth lives in its own database, separate from mail state.
	authDB, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer authDB.Close()

	authService := auth.NewAuthService(authDB)
	if err := authService.EnsureSchema(); err != nil {
		log.Fatal(err)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = "dev-secret-change-me"
		log.Printf("warning: auth.jwt_secret not set, using development secret")
	}
	issuer := auth.NewHSVerifier([]byte(secret))

	var verifier auth.Verifier = issuer
	if cfg.Auth.JWKSURL != "" {
		v, err := auth.NewJWKSVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			log.Fatal(err)
		}
		verifier = v
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "engine.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	tokens := token.NewManager(st, cfg.OAuth)
	registry := engine.BuildRegistry(st, tokens)
	notifier := notify.NewNotifier()

	eng := engine.New(st, registry, notifier,
		cfg.Engine.SyncMaxMessages,
		time.Duration(cfg.Engine.UndoWindowSeconds)*time.Second)

	watcher := idle.NewWatcher(st, eng.HandleNewMail, cfg.IdleReconnectMax())
	eng.OnAccountRemoved = func(accountID string) {
		if watcher.Watching(accountID) {
			watcher.Stop(accountID)
		}
		registry.Invalidate(accountID)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Re-arm queued and scheduled sends that survived the last run.
	if err := eng.Recover(rootCtx); err != nil {
		log.Fatal(err)
	}

	// Resume idling for every IMAP account.
	imapAccounts, err := st.ListAccountsByKind(rootCtx, store.KindIMAP)
	if err != nil {
		log.Fatal(err)
	}
	for _, account := range imapAccounts {
		if err := watcher.Start(rootCtx, account.ID); err != nil {
			log.Printf("idle start %s: %v", account.ID, err)
		}
	}

	// The outbox bridge is optional: without NATS, events still reach
	// live SSE subscribers.
	if cfg.NATS.URL != "" {
		publisher, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(rootCtx); err != nil {
			log.Fatal(err)
		}
		go notify.NewBridge(st, publisher).Run(rootCtx)
	}

	r := gin.Default()

	r.POST("/register", func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := authService.CreateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, user)
	})

	r.POST("/login", func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := authService.ValidateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		tokenString, err := issuer.Issue(user, 24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tokenString, "user": user})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	// --- accounts ---

	authorized.GET("/accounts", func(c *gin.Context) {
		accounts, err := st.ListAccounts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	authorized.POST("/accounts/oauth", func(c *gin.Context) {
		var req oauthAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account, err := eng.AddOAuthAccount(c.Request.Context(), req.Kind, req.Email,
			req.AccessToken, req.RefreshToken, time.Unix(req.ExpiresAt, 0))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, account)
	})

	authorized.POST("/accounts/imap", func(c *gin.Context) {
		var req imapAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account, err := eng.AddIMAPAccount(c.Request.Context(), req.Email,
			req.IMAPHost, req.IMAPPort, req.IMAPTLS,
			req.SMTPHost, req.SMTPPort, req.Username, req.Password)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := watcher.Start(rootCtx, account.ID); err != nil {
			log.Printf("idle start %s: %v", account.ID, err)
		}
		c.JSON(http.StatusCreated, account)
	})

	authorized.DELETE("/accounts/:id", func(c *gin.Context) {
		if err := eng.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	// --- sync ---

	authorized.POST("/accounts/:id/sync", func(c *gin.Context) {
		syncHandler(c, eng.Sync)
	})
	authorized.POST("/accounts/:id/sync/sent", func(c *gin.Context) {
		syncHandler(c, eng.SyncSent)
	})
	authorized.POST("/accounts/:id/sync/drafts", func(c *gin.Context) {
		syncHandler(c, eng.SyncDrafts)
	})
	authorized.GET("/idle/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, watcher.Status())
	})

	// --- emails ---

	authorized.GET("/accounts/:id/emails", func(c *gin.Context) {
		folder := c.DefaultQuery("folder", provider.FolderInbox)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		emails, err := st.ListEmails(c.Request.Context(), c.Param("id"), folder, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, emails)
	})

	authorized.POST("/emails/:id/:op", func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}
		if err := eng.Apply(c.Request.Context(), c.Param("op"), emailID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	authorized.DELETE("/drafts/:id", func(c *gin.Context) {
		emailID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
			return
		}
		if err := eng.DeleteDraft(c.Request.Context(), emailID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	authorized.POST("/emails/batch", func(c *gin.Context) {
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := eng.Batch(c.Request.Context(), req.Op, req.EmailIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	// --- sending ---

	authorized.POST("/accounts/:id/send", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, err := eng.QueueSend(c.Request.Context(), c.Param("id"),
			&engine.SendRequest{Message: req.Message, ReplyToID: req.ReplyToID})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"pending":           row,
			"undoWindowSeconds": cfg.Engine.UndoWindowSeconds,
		})
	})

	authorized.DELETE("/sends/:id", func(c *gin.Context) {
		if err := eng.CancelSend(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	})

	authorized.POST("/accounts/:id/schedule", func(c *gin.Context) {
		var req scheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, err := eng.Schedule(c.Request.Context(), c.Param("id"),
			&engine.SendRequest{Message: req.Message, ReplyToID: req.ReplyToID},
			time.Unix(req.SendAt, 0))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, row)
	})

	authorized.PUT("/scheduled/:id", func(c *gin.Context) {
		var req rescheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		row, err := eng.Reschedule(c.Request.Context(), c.Param("id"), req.Message, time.Unix(req.SendAt, 0))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
	})

	authorized.DELETE("/scheduled/:id", func(c *gin.Context) {
		if err := eng.CancelScheduled(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	})

	// --- events (SSE) ---

	authorized.GET("/events", func(c *gin.Context) {
		accountID := c.Query("account_id")
		ch, cancel := notifier.Subscribe(accountID)
		defer cancel()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(ev.Type, ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		log.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("shutting down")

	watcher.StopAll()
	eng.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

func syncHandler(c *gin.Context, run func(context.Context, string) provider.SyncResult) {
	res := run(c.Request.Context(), c.Param("id"))
	if res.Err != "" {
		status := http.StatusBadGateway
		if res.NeedsReauth {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{
			"error":       res.Err,
			"needsReauth": res.NeedsReauth,
			"synced":      res.Synced,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"synced":      res.Synced,
		"total":       res.Total,
		"needsReauth": false,
	})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case provider.IsAuthError(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "needsReauth": true})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case provider.IsNetworkError(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isValidationError(err error) bool {
	var ve *provider.ValidationError
	return errors.As(err, &ve)
}

func authMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := verifier.Verify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", identity.UserID)
		c.Set("username", identity.Username)
		c.Next()
	}
}
