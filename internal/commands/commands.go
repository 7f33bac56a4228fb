// Package commands parses slash commands arriving from chat and maps them
// onto the intake service, formatting replies as plain text.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/ynishimura/guildrag/internal/intake"
	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
)

// Handler dispatches slash commands.
type Handler struct {
	intake *intake.Service
}

// New creates a Handler.
func New(svc *intake.Service) *Handler {
	return &Handler{intake: svc}
}

// IsCommand reports whether the input looks like a slash command.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Handle parses and executes one command, returning the reply text.
func (h *Handler) Handle(ctx context.Context, guildID, userID, input string) string {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return h.helpText()
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	L_debug("commands: dispatch", "command", cmd, "guild", guildID, "user", userID)

	switch cmd {
	case "/sync":
		return h.handleSync(ctx, guildID, userID, args)
	case "/status":
		return h.handleStatus(ctx, args)
	case "/chat", "/ask":
		return h.handleChat(ctx, guildID, userID, strings.Join(args, " "))
	case "/help":
		return h.helpText()
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", cmd)
	}
}

// handleSync enqueues a sync. Usage: /sync, /sync channel <id...>,
// /sync thread <id...>.
func (h *Handler) handleSync(ctx context.Context, guildID, userID string, args []string) string {
	req := intake.SyncRequest{GuildID: guildID, RequestedBy: userID}
	if len(args) > 0 {
		req.Scope = strings.ToLower(args[0])
		req.TargetIDs = args[1:]
	}

	receipt, err := h.intake.StartSync(ctx, req)
	if err != nil {
		L_warn("commands: sync enqueue failed", "guild", guildID, "error", err)
		return "Sync could not be started: " + err.Error()
	}
	return fmt.Sprintf("Sync started (%s, %s scope). Check progress with /status %s",
		receipt.Mode, receipt.Scope, receipt.OpID)
}

func (h *Handler) handleStatus(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /status <operation-id>"
	}

	op, err := h.intake.Status(ctx, args[0])
	if err != nil {
		return "Status lookup failed: " + err.Error()
	}

	switch op.Status {
	case store.OpCompleted:
		return fmt.Sprintf("Sync %s: completed.", op.ID)
	case store.OpFailed:
		return fmt.Sprintf("Sync %s: failed (%s).", op.ID, op.Progress.Message)
	default:
		return fmt.Sprintf("Sync %s: %s, %d%% (%s).", op.ID, op.Status, op.Progress.Processed, op.Progress.Message)
	}
}

func (h *Handler) handleChat(ctx context.Context, guildID, userID, question string) string {
	if strings.TrimSpace(question) == "" {
		return "Usage: /chat <question>"
	}

	answer, err := h.intake.Chat(ctx, guildID, userID, question)
	if err != nil {
		L_warn("commands: chat failed", "guild", guildID, "error", err)
		return "Sorry, I could not answer that right now."
	}

	reply := answer.Text
	if len(answer.Citations) > 0 {
		var sb strings.Builder
		sb.WriteString(reply)
		sb.WriteString("\n\nSources:")
		for _, c := range answer.Citations {
			sb.WriteString("\n")
			sb.WriteString(c.Label)
			sb.WriteString(" ")
			sb.WriteString(c.JumpLink)
		}
		reply = sb.String()
	}
	return reply
}

func (h *Handler) helpText() string {
	return strings.TrimSpace(`
Commands:
  /sync                      sync this guild (delta when possible)
  /sync channel <id...>      sync specific channels
  /sync thread <id...>       sync specific threads
  /status <operation-id>     show sync progress
  /chat <question>           ask about the synced history
  /help                      this help
`)
}
