package hooking

import (
	"context"
	"fmt"
	"log/slog"
)

// LogHook writes the events it sees as structured log records. Task events
// are logged at debug level, everything else at info level.
type LogHook struct {
	logger *slog.Logger
}

// NewLogHook creates a LogHook that writes to logger.
func NewLogHook(logger *slog.Logger) *LogHook {
	return &LogHook{logger: logger}
}

// Func logs the hook context.
func (h *LogHook) Func(ctx HookCtx) {
	switch item := ctx.Item.(type) {
	case TaskStart:
		h.logger.Debug("task start",
			"task", item.ID, "kind", item.Kind, "what", item.What, "where", item.Where)
	case TaskStep:
		h.logger.Debug("task step",
			"task", item.TaskID, "what", item.What, "detail", item.Detail)
	case TaskTag:
		h.logger.Debug("task tag",
			"task", item.TaskID, "what", item.What, "detail", item.Detail)
	case TaskEnd:
		if item.Error != "" {
			h.logger.Debug("task end", "task", item.ID, "error", item.Error)
			return
		}

		h.logger.Debug("task end", "task", item.ID)
	default:
		level := slog.LevelInfo
		if _, isErr := ctx.Item.(error); isErr {
			level = slog.LevelWarn
		}

		h.logger.Log(context.Background(), level, ctx.Pos.Name,
			"item", fmt.Sprint(ctx.Item))
	}
}
