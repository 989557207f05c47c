// Package bot interprets inbound chat commands.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"futflow/internal/message"
	"futflow/internal/scheduler"
	"futflow/internal/telegram"
	"futflow/logger"
)

// Command is a recognised inbound command.
type Command string

const (
	CmdStart       Command = "start"
	CmdHelp        Command = "help"
	CmdSubscribe   Command = "subscribe"
	CmdUnsubscribe Command = "unsubscribe"
	CmdStatus      Command = "status"
	CmdSignal      Command = "signal"
	CmdTrend       Command = "trend"
	CmdUnknown     Command = ""
)

var aliases = map[string]Command{
	"start":       CmdStart,
	"help":        CmdHelp,
	"subscribe":   CmdSubscribe,
	"unsubscribe": CmdUnsubscribe,
	"status":      CmdStatus,
	"signal":      CmdSignal,
	"scan":        CmdSignal,
	"trend":       CmdTrend,
}

// Parse maps raw chat text to a command. A leading slash and a trailing
// "@botname" are optional; case is ignored.
func Parse(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return CmdUnknown
	}
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return aliases[word]
}

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Registry interface {
	Add(ctx context.Context, id int64) bool
	Remove(ctx context.Context, id int64) bool
	Contains(id int64) bool
	Count() int
}

type Scanner interface {
	ScanFor(ctx context.Context, chatID int64) error
	Status() scheduler.Status
}

type Trender interface {
	Trend() ([]message.TrendRow, bool)
}

// Handler answers commands. On-demand scans run in the background so a slow
// scan never holds up the webhook response.
type Handler struct {
	sender      Sender
	subs        Registry
	scanner     Scanner
	trend       Trender
	sparkWidth  int
	scanTimeout time.Duration
	log         *logger.Log

	wg sync.WaitGroup
}

func NewHandler(sender Sender, subs Registry, scanner Scanner, trend Trender, sparkWidth int, scanTimeout time.Duration) *Handler {
	if scanTimeout <= 0 {
		scanTimeout = 2 * time.Minute
	}
	return &Handler{
		sender:      sender,
		subs:        subs,
		scanner:     scanner,
		trend:       trend,
		sparkWidth:  sparkWidth,
		scanTimeout: scanTimeout,
		log:         logger.GetLogger(),
	}
}

// Handle processes one update. Updates without a chat or text are ignored.
func (h *Handler) Handle(ctx context.Context, upd telegram.Update) error {
	if upd.ChatID == 0 || strings.TrimSpace(upd.Text) == "" {
		return nil
	}
	text := strings.TrimSpace(upd.Text)
	cmd := Parse(text)

	h.log.WithComponent("bot").WithFields(logger.Fields{
		"chat_id": upd.ChatID,
		"command": string(cmd),
	}).Debug("command received")

	switch cmd {
	case CmdStart:
		h.subs.Add(ctx, upd.ChatID)
		return h.reply(ctx, upd.ChatID, "Hi! The bot is online.\nUse /help to see the options. You are subscribed to notifications.")
	case CmdHelp:
		return h.reply(ctx, upd.ChatID, helpText)
	case CmdSubscribe:
		h.subs.Add(ctx, upd.ChatID)
		return h.reply(ctx, upd.ChatID, "Subscribed. You will receive periodic updates.")
	case CmdUnsubscribe:
		h.subs.Remove(ctx, upd.ChatID)
		return h.reply(ctx, upd.ChatID, "Unsubscribed. Come back any time with /subscribe.")
	case CmdStatus:
		return h.reply(ctx, upd.ChatID, h.statusText(upd.ChatID))
	case CmdSignal:
		h.scanAsync(ctx, upd.ChatID)
		return h.reply(ctx, upd.ChatID, "Scanning the market, results will follow shortly.")
	case CmdTrend:
		rows, synthetic := h.trend.Trend()
		return h.reply(ctx, upd.ChatID, message.FormatTrend(rows, synthetic, h.sparkWidth))
	default:
		return h.reply(ctx, upd.ChatID, "Received: "+text)
	}
}

const helpText = "Commands:\n" +
	"/start - enable and subscribe\n" +
	"/help - this help\n" +
	"/status - scheduler state\n" +
	"/subscribe - receive signals\n" +
	"/unsubscribe - stop signals\n" +
	"/signal - run a scan now (only you get the result)\n" +
	"/trend - price trends with sparklines"

func (h *Handler) statusText(chatID int64) string {
	st := h.scanner.Status()

	var b strings.Builder
	if st.Active {
		b.WriteString("Scheduler active")
	} else {
		b.WriteString("Scheduler inactive")
	}
	b.WriteString("\nNext run: ")
	if st.NextRun.IsZero() {
		b.WriteString("n/a")
	} else {
		b.WriteString(st.NextRun.UTC().Format("2006-01-02 15:04 UTC"))
	}
	fmt.Fprintf(&b, "\nInterval: %d min", int(st.Interval.Minutes()))
	fmt.Fprintf(&b, "\nSubscribers: %d", h.subs.Count())
	if h.subs.Contains(chatID) {
		b.WriteString("\nYou are subscribed.")
	} else {
		b.WriteString("\nYou are not subscribed.")
	}
	return b.String()
}

func (h *Handler) scanAsync(ctx context.Context, chatID int64) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.scanTimeout)
		defer cancel()
		if err := h.scanner.ScanFor(sctx, chatID); err != nil {
			h.log.WithComponent("bot").WithError(err).WithFields(logger.Fields{"chat_id": chatID}).Warn("on-demand scan failed")
		}
	}()
}

// Wait blocks until background scans finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) error {
	if err := h.sender.Send(ctx, chatID, text); err != nil {
		return fmt.Errorf("reply to %d: %w", chatID, err)
	}
	return nil
}
