// Package pipeline runs one user turn from inbound message to delivered
// reply.
//
// A voice turn moves through
//
//	Received → Downloaded → Transcribed → Replied → Synthesized → (Transcoded | TranscodeFallback) → Delivered
//
// Download, transcription and generation failures abort the turn with a
// localized notice. Anything after the reply only degrades the voice part.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxchat/internal/dispatch"
	"voxchat/internal/language"
	"voxchat/internal/models"
	"voxchat/internal/overlay"
	"voxchat/internal/stage"
)

// VoiceMode selects when a spoken reply accompanies the text.
type VoiceMode string

const (
	VoiceOnVoice VoiceMode = "voice"
	VoiceAlways  VoiceMode = "always"
	VoiceNever   VoiceMode = "never"
)

// State is a point in the turn state machine.
type State string

const (
	StateReceived          State = "received"
	StateDownloaded        State = "downloaded"
	StateTranscribed       State = "transcribed"
	StateReplied           State = "replied"
	StateSynthesized       State = "synthesized"
	StateTranscoded        State = "transcoded"
	StateTranscodeFallback State = "transcode_fallback"
	StateDelivered         State = "delivered"
	StateAborted           State = "aborted"
	StateIgnored           State = "ignored"
)

type (
	Replier interface {
		Reply(ctx context.Context, userID int64, message string, lang language.Tag) (string, error)
		Clear(userID int64)
	}
	SessionReader interface {
		Peek(userID int64) (*models.Session, bool)
	}
	Settings interface {
		Current() *overlay.Snapshot
	}
	Fetcher interface {
		Fetch(ctx context.Context, voiceRef, declaredMIME string) (models.AudioArtifact, error)
	}
	Transcriber interface {
		Transcribe(ctx context.Context, audio models.AudioArtifact) (string, language.Tag, error)
	}
	Synthesizer interface {
		Synthesize(ctx context.Context, text string, lang language.Tag) (models.AudioArtifact, error)
	}
	Transcoder interface {
		ToVoice(ctx context.Context, audio models.AudioArtifact) (models.AudioArtifact, error)
	}
	Deliverer interface {
		DeliverText(ctx context.Context, chatID int64, text string) error
		DeliverVoice(ctx context.Context, chatID int64, audio models.AudioArtifact, isVoiceFormat bool) error
	}
	Typist interface {
		StartTyping(ctx context.Context, chatID int64, interval time.Duration) func()
	}
)

// Deps are the collaborators of a Pipeline. Typing is optional.
type Deps struct {
	Chat        Replier
	Sessions    SessionReader
	Settings    Settings
	Fetcher     Fetcher
	Transcriber Transcriber
	Synthesizer Synthesizer
	Transcoder  Transcoder
	Delivery    Deliverer
	Typing      Typist
}

type Options struct {
	VoiceReplies   VoiceMode
	TypingInterval time.Duration
}

// Result records how a turn went.
type Result struct {
	TurnID  string
	Trace   []State
	Failure stage.Kind
	Audio   models.AudioFormat
}

// State is where the turn ended.
func (r Result) State() State {
	if len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1]
}

// Reached reports whether the turn passed through s.
func (r Result) Reached(s State) bool {
	for _, v := range r.Trace {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Result) enter(s State) { r.Trace = append(r.Trace, s) }

type Pipeline struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.VoiceReplies == "" {
		opts.VoiceReplies = VoiceOnVoice
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Handle runs one inbound message to completion.
func (p *Pipeline) Handle(ctx context.Context, msg models.Inbound) Result {
	res := Result{TurnID: uuid.NewString()}
	log := p.logger.With().Str("turn_id", res.TurnID).Int64("user_id", msg.UserID).Logger()

	if msg.IsVoice() {
		p.voiceTurn(ctx, log, msg, &res)
		return res
	}
	text := strings.TrimSpace(msg.Text)
	if cmd, ok := ParseCommand(text); ok {
		p.command(ctx, log, msg, cmd, &res)
		return res
	}
	p.textTurn(ctx, log, msg, text, &res)
	return res
}

func (p *Pipeline) textTurn(ctx context.Context, log zerolog.Logger, msg models.Inbound, text string, res *Result) {
	res.enter(StateReceived)
	lang := language.Detect(text)

	stop := p.typing(ctx, msg.ChatID)
	reply, err := p.deps.Chat.Reply(ctx, msg.UserID, text, lang)
	stop()
	if err != nil {
		p.abort(ctx, log, msg, stage.Generation, err, lang, res)
		return
	}
	res.enter(StateReplied)
	p.deliverText(ctx, log, msg.ChatID, reply)
	if p.opts.VoiceReplies == VoiceAlways {
		p.speak(ctx, log, msg.ChatID, reply, lang, res)
	}
	res.enter(StateDelivered)
}

func (p *Pipeline) voiceTurn(ctx context.Context, log zerolog.Logger, msg models.Inbound, res *Result) {
	res.enter(StateReceived)
	known := p.lastLanguage(msg.UserID)

	audio, err := p.deps.Fetcher.Fetch(ctx, msg.VoiceRef, msg.VoiceMIME)
	if err != nil {
		p.abort(ctx, log, msg, stage.Download, err, known, res)
		return
	}
	res.enter(StateDownloaded)

	stop := p.typing(ctx, msg.ChatID)
	text, lang, err := p.deps.Transcriber.Transcribe(ctx, audio)
	if err != nil {
		stop()
		p.abort(ctx, log, msg, stage.Transcription, err, known, res)
		return
	}
	res.enter(StateTranscribed)
	log.Debug().Str("lang", string(lang)).Int("chars", len(text)).Msg("voice transcribed")

	reply, err := p.deps.Chat.Reply(ctx, msg.UserID, text, lang)
	stop()
	if err != nil {
		p.abort(ctx, log, msg, stage.Generation, err, lang, res)
		return
	}
	res.enter(StateReplied)

	p.deliverText(ctx, log, msg.ChatID, reply)
	if p.opts.VoiceReplies != VoiceNever {
		p.speak(ctx, log, msg.ChatID, reply, lang, res)
	}
	res.enter(StateDelivered)
}

// speak is the degradable tail of a turn: nothing here fails the turn.
func (p *Pipeline) speak(ctx context.Context, log zerolog.Logger, chatID int64, reply string, lang language.Tag, res *Result) {
	speech, err := p.deps.Synthesizer.Synthesize(ctx, reply, lang)
	if err != nil {
		logStage(log.Warn(), stage.Synthesis, err).Msg("voice reply skipped")
		return
	}
	res.enter(StateSynthesized)

	out, isVoice := speech, false
	if voice, err := p.deps.Transcoder.ToVoice(ctx, speech); err != nil {
		logStage(log.Warn(), stage.Transcode, err).Msg("sending audio attachment instead of voice")
		res.enter(StateTranscodeFallback)
	} else {
		out, isVoice = voice, true
		res.enter(StateTranscoded)
	}

	err = p.deps.Delivery.DeliverVoice(ctx, chatID, out, isVoice)
	if err == nil {
		res.Audio = dispatch.Format(isVoice)
		return
	}
	logStage(log.Warn(), stage.Delivery, err).Bool("voice", isVoice).Msg("audio delivery failed")
	if !isVoice {
		return
	}
	// Some chats refuse voice notes; the untranscoded audio may still pass.
	if err := p.deps.Delivery.DeliverVoice(ctx, chatID, speech, false); err != nil {
		logStage(log.Warn(), stage.Delivery, err).Msg("audio fallback failed, reply is text only")
		return
	}
	res.Audio = models.FormatGenericAudio
}

func (p *Pipeline) deliverText(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if err := p.deps.Delivery.DeliverText(ctx, chatID, text); err != nil {
		logStage(log.Error(), stage.Delivery, err).Msg("text delivery failed")
	}
}

// abort ends the turn with a notice in lang. The session is left as it was.
// An error tagged with a terminal kind names the failure; anything else is
// reported as the step that was running.
func (p *Pipeline) abort(ctx context.Context, log zerolog.Logger, msg models.Inbound, step stage.Kind, err error, lang language.Tag, res *Result) {
	kind := step
	if k, ok := stage.KindOf(err); ok && stage.IsTerminal(err) {
		kind = k
	}
	res.Failure = kind
	res.enter(StateAborted)
	logStage(log.Error(), kind, err).Msg("turn aborted")
	if err := p.deps.Delivery.DeliverText(ctx, msg.ChatID, Notice(kind, lang)); err != nil {
		logStage(log.Error(), stage.Delivery, err).Msg("failure notice not delivered")
	}
}

func (p *Pipeline) lastLanguage(userID int64) language.Tag {
	if p.deps.Sessions == nil {
		return language.Default
	}
	if s, ok := p.deps.Sessions.Peek(userID); ok {
		return s.Language.OrDefault()
	}
	return language.Default
}

func (p *Pipeline) typing(ctx context.Context, chatID int64) func() {
	if p.deps.Typing == nil {
		return func() {}
	}
	return p.deps.Typing.StartTyping(ctx, chatID, p.opts.TypingInterval)
}

func logStage(e *zerolog.Event, kind stage.Kind, err error) *zerolog.Event {
	return e.Str("stage", kind.String()).Err(err)
}
