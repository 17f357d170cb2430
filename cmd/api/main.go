package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
	"github.com/opsdesk/servicedesk-go/cmd/api/attachments"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
	"github.com/opsdesk/servicedesk-go/cmd/api/changes"
	"github.com/opsdesk/servicedesk-go/cmd/api/events"
	"github.com/opsdesk/servicedesk-go/cmd/api/handlers"
	"github.com/opsdesk/servicedesk-go/cmd/api/incidents"
	kbhandlers "github.com/opsdesk/servicedesk-go/cmd/api/kb"
	"github.com/opsdesk/servicedesk-go/cmd/api/metrics"
	"github.com/opsdesk/servicedesk-go/cmd/api/migrations"
	"github.com/opsdesk/servicedesk-go/cmd/api/problems"
	"github.com/opsdesk/servicedesk-go/cmd/api/releases"
	"github.com/opsdesk/servicedesk-go/cmd/api/slas"
	"github.com/opsdesk/servicedesk-go/cmd/api/webhooks"
	"github.com/opsdesk/servicedesk-go/cmd/api/ws"
	"github.com/opsdesk/servicedesk-go/internal/ratelimit"
)

func main() {
	_ = godotenv.Load()
	cfg := apppkg.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}

	keyf, err := jwksKeyfunc(ctx, cfg.JWKSURL)
	if err != nil {
		log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
	}

	var mc *minio.Client
	if cfg.MinIOEndpoint != "" {
		mc, err = minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	var store apppkg.ObjectStore
	if mc != nil {
		store = mc
	} else if cfg.FileStorePath != "" {
		if err := os.MkdirAll(cfg.FileStorePath, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FileStorePath).Msg("create filestore path")
		}
		store = &apppkg.FsObjectStore{Base: cfg.FileStorePath}
	}

	handlers.InitSettings(cfg.LogPath)

	a := apppkg.NewApp(cfg, pool, keyf, store, rdb)
	hub := ws.NewHub(rdb)
	go hub.Run(ctx)
	wl := ratelimit.New(rdb, 60, time.Minute, "write")
	routes(a, hub, wl)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

// jwksKeyfunc fetches the JWKS once and refreshes it every 10 minutes. The
// returned keyfunc resolves by kid with a first-key fallback.
func jwksKeyfunc(ctx context.Context, jwksURL string) (jwt.Keyfunc, error) {
	if jwksURL == "" {
		return nil, nil
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}
	set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	setPtr := &set
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if newSet, err := jwk.Fetch(context.Background(), jwksURL, jwk.WithHTTPClient(httpClient)); err == nil {
				*setPtr = newSet
			}
		}
	}()
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if key, ok := (*setPtr).LookupKeyID(kid); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		it := (*setPtr).Iterate(context.Background())
		if it.Next(context.Background()) {
			if key, ok := it.Pair().Value.(jwk.Key); ok {
				var pub any
				if err := key.Raw(&pub); err != nil {
					return nil, err
				}
				return pub, nil
			}
		}
		return nil, fmt.Errorf("no jwk for kid: %s", kid)
	}, nil
}

func routes(a *apppkg.App, hub *ws.Hub, wl *ratelimit.Limiter) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", gin.WrapH(promhttp.Handler()))
	a.R.POST("/webhooks/email-inbound", webhooks.EmailInbound(a))
	a.R.POST("/login", authpkg.Login(a))

	authed := a.R.Group("/", authpkg.Middleware(a), limitWrites(wl))
	authed.GET("/me", authpkg.Me)
	authed.POST("/logout", authpkg.Logout())
	authed.GET("/features", handlers.Features(a))

	authed.POST("/incidents", incidents.Create(a))
	authed.GET("/incidents", incidents.List(a))
	authed.GET("/incidents/:id", incidents.Get(a))
	authed.PATCH("/incidents/:id/status", incidents.UpdateStatus(a))
	authed.POST("/incidents/:id/assign", incidents.Assign(a))
	authed.GET("/incidents/:id/sla", incidents.BreachStatus(a))
	authed.POST("/incidents/:id/sla/pause", incidents.PauseSLA(a))
	authed.POST("/incidents/:id/sla/resume", incidents.ResumeSLA(a))
	authed.POST("/incidents/:id/worklogs", incidents.AddWorklog(a))
	authed.GET("/incidents/:id/worklogs", incidents.ListWorklogs(a))
	authed.GET("/incidents/:id/timeline", incidents.Timeline(a))

	authed.GET("/incidents/:id/attachments", attachments.List(a))
	authed.POST("/incidents/:id/attachments", attachments.Upload(a))
	authed.GET("/incidents/:id/attachments/:attID", attachments.Get(a))
	authed.DELETE("/incidents/:id/attachments/:attID", attachments.Delete(a))
	authed.POST("/incidents/:id/attachments/presign-upload", attachments.PresignUpload(a))
	authed.GET("/incidents/:id/attachments/:attID/presign-download", attachments.PresignDownload(a))
	authed.PUT("/attachments/upload/:objectKey", attachments.UploadObject(a))

	authed.POST("/changes", changes.Create(a))
	authed.GET("/changes", changes.List(a))
	authed.GET("/changes/:id", changes.Get(a))
	authed.PATCH("/changes/:id", changes.Update(a))
	authed.POST("/changes/:id/submit", changes.Submit(a))
	authed.POST("/changes/:id/decision", authpkg.RequireRole("manager", "cab_member"), changes.Decide(a))
	authed.POST("/changes/:id/schedule", changes.Schedule(a))
	authed.POST("/changes/:id/implement", changes.Implement(a))
	authed.POST("/changes/:id/complete", changes.Complete(a))
	authed.POST("/changes/:id/cancel", changes.Cancel(a))
	authed.GET("/changes/:id/timeline", changes.Timeline(a))

	authed.POST("/problems", problems.Create(a))
	authed.GET("/problems", problems.List(a))
	authed.GET("/problems/:id", problems.Get(a))
	authed.POST("/problems/:id/root-cause", problems.UpdateRootCause(a))
	authed.POST("/problems/:id/known-error", problems.MarkKnownError(a))
	authed.POST("/problems/:id/resolve", problems.Resolve(a))
	authed.POST("/problems/:id/close", problems.Close(a))
	authed.POST("/problems/:id/links", problems.LinkIncident(a))
	authed.GET("/problems/:id/timeline", problems.Timeline(a))
	authed.POST("/problems/:id/publish-kb", kbhandlers.PublishKnownError(a))

	authed.GET("/sla-policies", slas.List(a))
	authed.GET("/sla-policies/:id", slas.Get(a))
	authed.POST("/sla-policies", authpkg.RequireRole("manager"), slas.Create(a))
	authed.PATCH("/sla-policies/:id", authpkg.RequireRole("manager"), slas.Update(a))
	authed.POST("/sla-policies/:id/default", authpkg.RequireRole("manager"), slas.SetDefault(a))
	authed.DELETE("/sla-policies/:id", authpkg.RequireRole("manager"), slas.Delete(a))

	authed.GET("/releases", releases.List(a))
	authed.GET("/releases/:id", releases.Get(a))
	authed.POST("/releases", releases.Create(a))
	authed.PATCH("/releases/:id", releases.Update(a))
	authed.DELETE("/releases/:id", releases.Delete(a))

	authed.GET("/kb", kbhandlers.Search(a))
	authed.POST("/kb", authpkg.RequireRole("manager"), kbhandlers.Publish(a))

	authed.GET("/reports/sla-compliance", metrics.SLACompliance(a))
	authed.GET("/reports/resolution", metrics.Resolution(a))
	authed.GET("/reports/volume", metrics.IncidentVolume(a))

	authed.GET("/events", events.Stream(a))
	authed.GET("/ws", serveWS(a, hub))

	admin := authed.Group("/admin", authpkg.RequireRole("admin"))
	admin.GET("/settings", handlers.GetSettings)
	admin.POST("/settings/storage", handlers.SaveStorageSettings)
	admin.POST("/settings/mail", handlers.SaveMailSettings)
	admin.POST("/settings/change-defaults", handlers.SaveChangeDefaults)
	admin.POST("/test-connection", handlers.TestConnection)
	admin.GET("/webhooks", webhooks.List(a))
	admin.POST("/webhooks", webhooks.Create(a))
	admin.DELETE("/webhooks/:id", webhooks.Delete(a))
}

// limitWrites rate limits mutating requests per client, keyed on the
// authenticated subject when present and the client IP otherwise.
func limitWrites(wl *ratelimit.Limiter) gin.HandlerFunc {
	inner := wl.Middleware(func(c *gin.Context) string {
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok && u.ExternalID != "" {
				return u.ExternalID
			}
		}
		return c.ClientIP()
	})
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			inner(c)
		}
	}
}

func serveWS(a *apppkg.App, hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := ws.Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		isCABRep := false
		if v, ok := c.Get("user"); ok {
			if u, ok := v.(authpkg.AuthUser); ok {
				for _, r := range u.Roles {
					if r == "admin" || r == "manager" || r == "cab_member" {
						isCABRep = true
					}
				}
			}
		}
		client := ws.NewClient(hub, conn, c.Query("entity"), isCABRep)
		hub.Register(client)
		go client.WritePump(c.Request.Context())
		client.ReadPump()
	}
}
