package pipeline

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"voxchat/internal/models"
	"voxchat/internal/overlay"
)

const (
	CommandStart = "start"
	CommandHelp  = "help"
	CommandClear = "clear"
)

// ParseCommand extracts the command name from "/name" or "/name@bot args".
func ParseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.TrimPrefix(text, "/")
	if i := strings.IndexAny(name, " \n\t"); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", false
	}
	return name, true
}

func (p *Pipeline) command(ctx context.Context, log zerolog.Logger, msg models.Inbound, cmd string, res *Result) {
	res.enter(StateReceived)
	var reply string
	switch cmd {
	case CommandStart:
		reply = p.greeting(msg.FirstName)
	case CommandHelp:
		reply = helpText
	case CommandClear:
		p.deps.Chat.Clear(msg.UserID)
		log.Info().Msg("session cleared")
		reply = clearedText
	default:
		log.Debug().Str("command", cmd).Msg("unknown command ignored")
		res.enter(StateIgnored)
		return
	}
	p.deliverText(ctx, log, msg.ChatID, reply)
	res.enter(StateDelivered)
}

func (p *Pipeline) greeting(firstName string) string {
	snap := overlay.Resolve(nil, nil, overlay.Defaults())
	if p.deps.Settings != nil {
		snap = p.deps.Settings.Current()
	}
	builtin := snap.SourceOf(overlay.KeyCatalogFile) == overlay.SourceDefault
	return greeting(firstName, snap.BotName(), snap.AssistantName(), builtin)
}
