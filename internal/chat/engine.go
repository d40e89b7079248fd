// Package chat holds one conversation context per user on top of an eino chat
// model, seeding it with the persona and catalog and forcing the reply
// language on every turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"voxchat/internal/language"
	"voxchat/internal/models"
	"voxchat/internal/overlay"
	"voxchat/internal/session"
	"voxchat/internal/stage"
)

// FallbackReply is returned when the model answers with nothing.
const FallbackReply = "Sorry, I couldn't generate a response right now."

const (
	catalogHeader = "*** MANDATORY PRODUCT AND CAMPAIGN INFORMATION ***"
	catalogFooter = "*** END OF INFORMATION ***"
)

// ErrNoModel is returned when no chat model could be built.
var ErrNoModel = errors.New("chat model not available")

// CatalogSource supplies the catalog text for a reference.
type CatalogSource interface {
	Text(ctx context.Context, ref string) string
}

// SettingsSource supplies the current overlay snapshot.
type SettingsSource interface {
	Current() *overlay.Snapshot
}

// Options tune an Engine.
type Options struct {
	// Timeout bounds a single generation call. Zero means no extra bound.
	Timeout time.Duration
	// KeyFromSettings makes the engine take its API key from the
	// GEMINI_API_KEY overlay value, rebuilding the model when it changes.
	KeyFromSettings bool
}

// Engine answers user messages within their session.
type Engine struct {
	sessions *session.Store
	settings SettingsSource
	catalog  CatalogSource
	factory  ModelFactory
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	model    Generator
	modelKey string
}

func NewEngine(sessions *session.Store, settings SettingsSource, catalog CatalogSource, factory ModelFactory, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		settings: settings,
		catalog:  catalog,
		factory:  factory,
		opts:     opts,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// Directive is the trailing instruction pinning the reply language.
func Directive(lang language.Tag) string {
	name := lang.OrDefault().Name()
	return fmt.Sprintf("FINAL OVERRIDE: The user's language is %s. Your entire response MUST be in %s.", name, name)
}

// Outbound is the text actually sent to the model for a user message.
func Outbound(message string, lang language.Tag) string {
	return message + "\n\n---\n" + Directive(lang)
}

// ComposeInstruction builds the system instruction fixed at context creation.
func ComposeInstruction(persona, catalogText string) string {
	return strings.TrimSpace(persona) + "\n\n" + catalogHeader + "\n" + catalogText + "\n" + catalogFooter
}

// Reply generates the assistant's answer to message and records both turns.
// A transport failure returns a stage.Generation error and leaves the session
// exactly as it was. An empty answer is replaced by FallbackReply.
func (e *Engine) Reply(ctx context.Context, userID int64, message string, lang language.Tag) (string, error) {
	lang = lang.OrDefault()
	var reply string
	err := e.sessions.Update(userID, func(s *models.Session) error {
		if s.Instruction == "" {
			s.Instruction = e.instruction(ctx)
		}
		gen, err := e.generator(ctx)
		if err != nil {
			return stage.Wrap(stage.Generation, err)
		}

		callCtx := ctx
		if e.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
		}
		out, err := gen.Generate(callCtx, buildMessages(s, message, lang))
		if err != nil {
			return stage.Wrap(stage.Generation, err)
		}

		reply = ""
		if out != nil {
			reply = strings.TrimSpace(out.Content)
		}
		if reply == "" {
			e.logger.Warn().Int64("user_id", userID).Msg("empty generation, sending fallback")
			reply = FallbackReply
		}
		s.Turns = append(s.Turns,
			models.NewTurn(models.RoleUser, message, lang),
			models.NewTurn(models.RoleAssistant, reply, lang),
		)
		s.Language = lang
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Clear drops the user's context; the next Reply starts over with a fresh
// system instruction.
func (e *Engine) Clear(userID int64) {
	e.sessions.Clear(userID)
}

func (e *Engine) instruction(ctx context.Context) string {
	snap := e.settings.Current()
	catalogText := e.catalog.Text(ctx, snap.CatalogFile())
	return ComposeInstruction(snap.Persona(), catalogText)
}

// generator returns the cached model, rebuilding it when the key changed.
func (e *Engine) generator(ctx context.Context) (Generator, error) {
	key := ""
	if e.opts.KeyFromSettings {
		key = e.settings.Current().GeminiAPIKey()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil && e.modelKey == key {
		return e.model, nil
	}
	if e.factory == nil {
		return nil, ErrNoModel
	}
	gen, err := e.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoModel, err)
	}
	e.model, e.modelKey = gen, key
	return gen, nil
}

func buildMessages(s *models.Session, message string, lang language.Tag) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(s.Turns)+2)
	msgs = append(msgs, schema.SystemMessage(s.Instruction))
	for _, turn := range s.Turns {
		switch turn.Role {
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(turn.Content, nil))
		case models.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(turn.Content))
		default:
			msgs = append(msgs, schema.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, schema.UserMessage(Outbound(message, lang)))
	return msgs
}
