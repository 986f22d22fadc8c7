package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
)

type scheduleCallRequest struct {
	LeadID   string `json:"lead_id"`
	At       string `json:"at,omitempty"`
	Priority int    `json:"priority"`
}

func (h *HandlerSet) scheduleCall(ctx *fiber.Ctx) error {
	var req scheduleCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	leadID, err := uuid.Parse(req.LeadID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}

	if req.At == "" {
		if err := h.sched.ScheduleImmediate(ctx.Context(), leadID, req.Priority); err != nil {
			return translateError(err)
		}
	} else {
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid schedule time, want RFC 3339")
		}
		if err := h.sched.ScheduleAt(ctx.Context(), leadID, at, req.Priority); err != nil {
			return translateError(err)
		}
	}

	return ctx.SendStatus(http.StatusAccepted)
}

type scheduleBatchRequest struct {
	LeadIDs  []string `json:"lead_ids"`
	BaseTime string   `json:"base_time,omitempty"`
	Priority int      `json:"priority"`
	Spread   string   `json:"spread,omitempty"`
}

func (h *HandlerSet) scheduleBatch(ctx *fiber.Ctx) error {
	var req scheduleBatchRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.BatchRequest{Priority: req.Priority}

	ids, err := parseLeadIDs(req.LeadIDs)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}
	input.LeadIDs = ids

	if req.BaseTime != "" {
		base, err := time.Parse(time.RFC3339, req.BaseTime)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid base time, want RFC 3339")
		}
		input.BaseTime = base
	}
	if req.Spread != "" {
		spread, err := time.ParseDuration(req.Spread)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid spread duration")
		}
		input.Spread = spread
	}

	result, err := h.campaigns.ScheduleBatch(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(result)
}

func parseLeadIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
