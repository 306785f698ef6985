package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ladderbot/logger"
	"ladderbot/quant"
	"ladderbot/store"

	"github.com/shopspring/decimal"
)

// Controller strategy operations exposed to chat admins
type Controller interface {
	ListStrategies(ctx context.Context, filter store.StrategyFilter) ([]*store.Strategy, error)
	CreateStrategy(ctx context.Context, st *store.Strategy) error
	UpdateStrategy(ctx context.Context, strategyID int64, ticker string, params store.StrategyParams) (*store.Strategy, error)
	DeleteStrategy(ctx context.Context, strategyID int64, ticker string) error
	ResetStrategy(ctx context.Context, strategyID int64, ticker string) error
}

const helpText = `Commands:
/strategies - list strategies
/add <strategy> <ticker> <max_capital> <step_trigger%> <step_amount>
/update <strategy> <ticker> key=value ... (max_capital, step_trigger, step_amount, paused)
/delete <strategy> <ticker>
/reset <strategy> <ticker>`

// CommandHandler turns chat commands into controller calls. Only admins are served.
type CommandHandler struct {
	ctrl   Controller
	admins map[int64]bool
}

// NewCommandHandler creates a handler for the given admin user ids
func NewCommandHandler(ctrl Controller, adminIDs []int64) *CommandHandler {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &CommandHandler{ctrl: ctrl, admins: admins}
}

// Handle executes one command and returns the reply text.
// Messages from non-admins get no reply.
func (h *CommandHandler) Handle(ctx context.Context, userID int64, command, args string) string {
	if !h.admins[userID] {
		logger.Warnf("⚠️ [Commands] ignoring /%s from non-admin %d", command, userID)
		return ""
	}
	fields := strings.Fields(args)

	var (
		reply string
		err   error
	)
	switch command {
	case "start", "help":
		reply = helpText
	case "strategies":
		reply, err = h.list(ctx)
	case "add":
		reply, err = h.add(ctx, fields)
	case "update":
		reply, err = h.update(ctx, fields)
	case "delete":
		reply, err = h.withKey(fields, func(id int64, ticker string) (string, error) {
			if err := h.ctrl.DeleteStrategy(ctx, id, ticker); err != nil {
				return "", err
			}
			return fmt.Sprintf("🗑 Strategy %d for %s deleted", id, ticker), nil
		})
	case "reset":
		reply, err = h.withKey(fields, func(id int64, ticker string) (string, error) {
			if err := h.ctrl.ResetStrategy(ctx, id, ticker); err != nil {
				return "", err
			}
			return fmt.Sprintf("🔄 Strategy %d for %s will be rebuilt on the next tick", id, ticker), nil
		})
	default:
		reply = "Unknown command\n\n" + helpText
	}

	if err != nil {
		logger.Warnf("⚠️ [Commands] /%s %s failed: %v", command, args, err)
		return "❌ " + describe(err)
	}
	return reply
}

func describe(err error) string {
	switch {
	case errors.Is(err, store.ErrStrategyExists):
		return "Strategy already exists, use /update to change it or /delete to remove it"
	case errors.Is(err, store.ErrStrategyNotFound):
		return "Strategy not found"
	}
	return err.Error()
}

func (h *CommandHandler) list(ctx context.Context) (string, error) {
	strategies, err := h.ctrl.ListStrategies(ctx, store.StrategyFilter{IncludePaused: true})
	if err != nil {
		return "", err
	}
	if len(strategies) == 0 {
		return "No strategies yet, use /add", nil
	}
	var b strings.Builder
	for i, st := range strategies {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(FormatStrategy(st))
	}
	return b.String(), nil
}

// FormatStrategy one strategy as a chat message block
func FormatStrategy(st *store.Strategy) string {
	state := "active"
	switch {
	case st.Paused:
		state = "paused"
	case !st.WarmedUp:
		state = "warming up"
	}
	return fmt.Sprintf("📈 Strategy %d / %s (%s)\nMax capital: %s\nFree capital: %s\nStep: %s%%, %d lots\n",
		st.StrategyID, st.Ticker, state,
		st.MaxCapital.Decimal().StringFixed(2), st.FreeCapital.Decimal().StringFixed(2),
		st.StepTrigger.String(), st.StepAmount)
}

func (h *CommandHandler) add(ctx context.Context, fields []string) (string, error) {
	if len(fields) != 5 {
		return "Usage: /add <strategy> <ticker> <max_capital> <step_trigger%> <step_amount>", nil
	}
	id, err := parseStrategyID(fields[0])
	if err != nil {
		return "", err
	}
	maxCapital, err := quant.Parse(fields[2])
	if err != nil {
		return "", fmt.Errorf("max_capital: %w", err)
	}
	trigger, err := parsePercent(fields[3])
	if err != nil {
		return "", err
	}
	amount, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return "", fmt.Errorf("step_amount: %w", err)
	}

	st := &store.Strategy{
		StrategyID:  id,
		Ticker:      strings.ToUpper(fields[1]),
		MaxCapital:  maxCapital,
		StepTrigger: trigger,
		StepAmount:  amount,
	}
	if err := h.ctrl.CreateStrategy(ctx, st); err != nil {
		return "", err
	}
	return "✅ Added\n" + FormatStrategy(st), nil
}

func (h *CommandHandler) update(ctx context.Context, fields []string) (string, error) {
	if len(fields) < 3 {
		return "Usage: /update <strategy> <ticker> key=value ...", nil
	}
	id, err := parseStrategyID(fields[0])
	if err != nil {
		return "", err
	}
	params, err := ParseParams(fields[2:])
	if err != nil {
		return "", err
	}
	st, err := h.ctrl.UpdateStrategy(ctx, id, strings.ToUpper(fields[1]), params)
	if err != nil {
		return "", err
	}
	return "✅ Updated\n" + FormatStrategy(st), nil
}

func (h *CommandHandler) withKey(fields []string, fn func(id int64, ticker string) (string, error)) (string, error) {
	if len(fields) != 2 {
		return "Usage: <strategy> <ticker>", nil
	}
	id, err := parseStrategyID(fields[0])
	if err != nil {
		return "", err
	}
	return fn(id, strings.ToUpper(fields[1]))
}

// ParseParams parses key=value pairs into strategy parameter changes
func ParseParams(pairs []string) (store.StrategyParams, error) {
	var params store.StrategyParams
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return params, fmt.Errorf("expected key=value, got %q", pair)
		}
		switch key {
		case "max_capital":
			p, err := quant.Parse(value)
			if err != nil {
				return params, fmt.Errorf("max_capital: %w", err)
			}
			params.MaxCapital = &p
		case "step_trigger":
			d, err := parsePercent(value)
			if err != nil {
				return params, err
			}
			params.StepTrigger = &d
		case "step_amount":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return params, fmt.Errorf("step_amount: %w", err)
			}
			params.StepAmount = &n
		case "paused":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return params, fmt.Errorf("paused: %w", err)
			}
			params.Paused = &b
		default:
			return params, fmt.Errorf("unknown parameter %q", key)
		}
	}
	return params, nil
}

func parseStrategyID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("strategy must be a positive number, got %q", s)
	}
	return id, nil
}

// parsePercent accepts "1.5" and "1.5%"
func parsePercent(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSuffix(s, "%"))
	if err != nil {
		return decimal.Zero, fmt.Errorf("step_trigger: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("step_trigger must be positive")
	}
	return d, nil
}
