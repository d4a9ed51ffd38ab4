package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otymasaude/telemed-backend/internal/auth"
	"github.com/otymasaude/telemed-backend/internal/cascade"
	"github.com/otymasaude/telemed-backend/internal/consultations"
	"github.com/otymasaude/telemed-backend/internal/doctors"
	"github.com/otymasaude/telemed-backend/internal/feed"
	"github.com/otymasaude/telemed-backend/internal/notify"
	"github.com/otymasaude/telemed-backend/pkg/database"
	"github.com/otymasaude/telemed-backend/pkg/models"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("APP_ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	db := database.Init()
	if err := db.AutoMigrate(
		&models.User{}, &models.Doctor{}, &models.ConsultationRequest{},
		&models.CascadeNotification{}, &models.CascadeSettings{}, &models.OpsNotification{},
	); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	baseURL := os.Getenv("PUBLIC_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}

	hub := feed.NewHub()
	dispatcher := notify.NewDispatcher(db, log.Logger, baseURL)
	store := cascade.NewGormStore(db)
	engine := cascade.NewEngine(store, dispatcher, hub, log.Logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: auth.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: getenv("CORS_ORIGINS", "*"),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api := app.Group("/api")

	// Auth
	authH := auth.NewHandler(db)
	api.Post("/signup", authH.Signup)
	api.Post("/login", authH.Login)
	api.Get("/me", auth.RequireAuth(), authH.Me)

	// Doctor registry
	docH := doctors.NewHandler(db)
	api.Post("/doctors", auth.RequireAuth(), auth.RequireRole("admin"), docH.Create)
	api.Get("/doctors", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), docH.List)
	api.Put("/doctors/availability", auth.RequireAuth(), auth.RequireRole("medico"), docH.SetAvailability)
	api.Get("/doctors/:id", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), docH.Get)
	api.Put("/doctors/:id", auth.RequireAuth(), auth.RequireRole("admin"), docH.Update)
	api.Post("/doctors/:id/approve", auth.RequireAuth(), auth.RequireRole("admin"), docH.Approve)

	// Consultations
	consH := consultations.NewHandler(db, engine, log.Logger)
	api.Post("/consultations", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), consH.Create)
	api.Get("/consultations", auth.RequireAuth(), consH.List)
	api.Get("/consultations/:id", auth.RequireAuth(), consH.Get)
	api.Post("/consultations/:id/complete", auth.RequireAuth(), auth.RequireRole("medico"), consH.Complete)
	api.Post("/consultations/:id/cancel", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), consH.Cancel)

	// Cascade
	cascH := cascade.NewHandler(db, engine, store)
	api.Post("/consultations/:id/cascade/start", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), cascH.Start)
	api.Post("/consultations/:id/cascade/check", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), cascH.Check)
	api.Get("/consultations/:id/cascade", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), cascH.History)
	api.Post("/consultations/:id/accept", auth.RequireAuth(), auth.RequireRole("medico"), cascH.Accept)
	api.Post("/consultations/:id/reject", auth.RequireAuth(), auth.RequireRole("medico"), cascH.Reject)
	api.Get("/calls/pending", auth.RequireAuth(), auth.RequireRole("medico"), cascH.PendingCall)
	api.Get("/cascade/settings", auth.RequireAuth(), auth.RequireRole("admin"), cascH.GetSettings)
	api.Put("/cascade/settings", auth.RequireAuth(), auth.RequireRole("admin"), cascH.UpdateSettings)
	api.Get("/cascade/stats", auth.RequireAuth(), auth.RequireRole("admin", "atendente"), cascH.Stats)

	// Live feed (SSE)
	api.Get("/events/consultations/:id", auth.RequireAuth(), feed.SSEHandler(hub))

	// Background expiry sweep; the deadline stored on each notification is
	// authoritative, clients only display a countdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := 30 * time.Second
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	sweeper := cascade.NewSweeper(engine, interval, log.Logger)
	go sweeper.Run(ctx)

	port := getenv("PORT", "3000")
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	log.Info().Str("port", port).Msg("server running")
	if err := app.Listen(":" + port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
