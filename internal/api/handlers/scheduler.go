package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
)

func (h *HandlerSet) schedulerStatus(ctx *fiber.Ctx) error {
	status := h.sched.Status()
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"running":              status.Running,
		"active_calls":         status.ActiveCalls,
		"max_concurrent_calls": status.MaxConcurrentCalls,
		"check_interval":       status.CheckInterval.String(),
	})
}

func (h *HandlerSet) queueStatistics(ctx *fiber.Ctx) error {
	report, err := h.sched.QueueStatistics(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(report)
}

func (h *HandlerSet) optimizeQueue(ctx *fiber.Ctx) error {
	result, err := h.sched.Optimize(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(result)
}

type scheduleCampaignRequest struct {
	Name         string   `json:"name"`
	LeadIDs      []string `json:"lead_ids"`
	StartTime    string   `json:"start_time,omitempty"`
	CallsPerHour int      `json:"calls_per_hour"`
}

func (h *HandlerSet) scheduleCampaign(ctx *fiber.Ctx) error {
	var req scheduleCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.CampaignRequest{
		Name:         req.Name,
		CallsPerHour: req.CallsPerHour,
	}

	ids, err := parseLeadIDs(req.LeadIDs)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid lead id")
	}
	input.LeadIDs = ids

	if req.StartTime != "" {
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid start time, want RFC 3339")
		}
		input.StartTime = start
	}

	result, err := h.campaigns.ScheduleCampaign(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(result)
}
