package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/envelope"
	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/supervisor"
	"solana-trade-engine/internal/trading"
)

// Server is the internal HTTP control surface over the supervisor and arm
// cache, consumed by the public API layer. It binds loopback by default.
type Server struct {
	app    *fiber.App
	sup    *supervisor.Supervisor
	arm    *armcache.Cache
	repo   WalletRepo
	exec   *trading.Executor
	health *health.Tracker

	host       string
	port       int
	defaultTTL time.Duration
}

// WalletRepo is the repository slice the arm endpoints need.
type WalletRepo interface {
	GetWallet(ctx context.Context, walletID string) (*storage.Wallet, error)
}

// New builds the control server.
func New(sup *supervisor.Supervisor, arm *armcache.Cache, repo WalletRepo, exec *trading.Executor, tracker *health.Tracker, host string, port int, defaultTTL time.Duration) *Server {
	s := &Server{
		sup:        sup,
		arm:        arm,
		repo:       repo,
		exec:       exec,
		health:     tracker,
		host:       host,
		port:       port,
		defaultTTL: defaultTTL,
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", s.handleHealth)
	app.Get("/bots", s.handleStatus)
	app.Get("/bots/detailed", s.handleDetailedStatus)
	app.Post("/bots", s.handleStart)
	app.Post("/bots/multi", s.handleStartMulti)
	app.Post("/bots/:id/pause", s.handlePause)
	app.Post("/bots/:id/resume", s.handleResume)
	app.Delete("/bots/:id", s.handleDelete)

	app.Post("/wallets/:id/arm", s.handleArm)
	app.Post("/wallets/:id/arm/extend", s.handleExtend)
	app.Post("/wallets/:id/arm/touch", s.handleTouch)
	app.Post("/wallets/:id/disarm", s.handleDisarm)
	app.Get("/wallets/:id/arm-status", s.handleArmStatus)

	app.Post("/killswitch", s.handleKillSwitch)

	s.app = app
	return s
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("control server listening")
	return s.app.Listen(addr)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"armSessions": s.arm.Count(),
		"bots":        s.health.Snapshot(),
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.sup.Status())
}

func (s *Server) handleDetailedStatus(c *fiber.Ctx) error {
	return c.JSON(s.sup.DetailedStatus())
}

type startRequest struct {
	Mode        string          `json:"mode"`
	Config      json.RawMessage `json:"config"`
	AutoRestart bool            `json:"autoRestart"`
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	botID, err := s.sup.Start(c.Context(), req.Mode, req.Config, req.AutoRestart)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"botId": botID})
}

func (s *Server) handleStartMulti(c *fiber.Ctx) error {
	var specs []supervisor.BotSpec
	if err := c.BodyParser(&specs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	ids, err := s.sup.StartMulti(c.Context(), specs)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"botIds": ids})
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	if err := s.sup.Pause(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	if err := s.sup.Resume(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	if err := s.sup.Delete(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type armRequest struct {
	UserID     string `json:"userId"`
	Passphrase string `json:"passphrase"`
	TTLMinutes int    `json:"ttlMinutes"`
}

// handleArm unwraps the wallet's DEK with the user's passphrase and installs
// it in the arm cache. The unwrapped DEK is wiped before returning; the
// passphrase arrives as a string in the parsed request and is not wiped.
func (s *Server) handleArm(c *fiber.Ctx) error {
	walletID := c.Params("id")
	var req armRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	wallet, err := s.repo.GetWallet(c.Context(), walletID)
	if err != nil || wallet == nil {
		return fiber.NewError(fiber.StatusNotFound, "wallet not found")
	}
	if wallet.UserID != req.UserID {
		return fiber.NewError(fiber.StatusForbidden, "wallet does not belong to user")
	}
	if wallet.EncryptedBlob == "" {
		return fiber.NewError(fiber.StatusBadRequest, "wallet has no envelope; legacy wallets cannot be armed")
	}

	blob, err := envelope.Parse([]byte(wallet.EncryptedBlob))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "envelope parse failed")
	}

	aad := trading.AAD(wallet.UserID, wallet.ID)
	dek, err := envelope.UnwrapDEK(blob, req.Passphrase, aad)
	if err != nil {
		if errors.Is(err, envelope.ErrAuthFailed) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid passphrase")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	ttl := s.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	s.arm.Arm(wallet.UserID, wallet.ID, dek, ttl)
	envelope.Zeroise(dek)

	return c.JSON(s.arm.GetStatus(wallet.UserID, wallet.ID))
}

type extendRequest struct {
	UserID     string `json:"userId"`
	TTLMinutes int    `json:"ttlMinutes"`
}

func (s *Server) handleExtend(c *fiber.Ctx) error {
	var req extendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	ttl := s.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	if !s.arm.Extend(req.UserID, c.Params("id"), ttl) {
		return fiber.NewError(fiber.StatusNotFound, "no active arm session")
	}
	return c.JSON(s.arm.GetStatus(req.UserID, c.Params("id")))
}

// handleTouch resets armedAt after the API layer re-authenticates the user.
func (s *Server) handleTouch(c *fiber.Ctx) error {
	var req extendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if !s.arm.UpdateArmedAt(req.UserID, c.Params("id")) {
		return fiber.NewError(fiber.StatusNotFound, "no active arm session")
	}
	return c.JSON(s.arm.GetStatus(req.UserID, c.Params("id")))
}

func (s *Server) handleDisarm(c *fiber.Ctx) error {
	var req extendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.arm.Disarm(req.UserID, c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleArmStatus(c *fiber.Ctx) error {
	userID := c.Query("userId")
	return c.JSON(s.arm.GetStatus(userID, c.Params("id")))
}

type killSwitchRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleKillSwitch(c *fiber.Ctx) error {
	var req killSwitchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.exec.SetKillSwitch(req.On)
	log.Warn().Bool("on", req.On).Msg("kill switch toggled via control API")
	return c.SendStatus(fiber.StatusNoContent)
}
