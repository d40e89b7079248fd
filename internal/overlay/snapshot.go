// Package overlay resolves the runtime settings an admin may edit while the
// bot is running. A value comes from the persisted store when it is present
// and non-blank, else from the environment, else from a built-in default.
package overlay

import (
	"os"
	"sort"
	"strings"
	"time"
)

// Recognized keys. Their spelling matches what the admin panel writes.
const (
	KeyBotName       = "bot_name"
	KeyAssistantName = "assistant_name"
	KeyPersona       = "ai_persona"
	KeyCatalogFile   = "catalog_file"
	KeyMode          = "MODE"
	KeyPublicBaseURL = "PUBLIC_BASE_URL"
	KeyTelegramToken = "TELEGRAM_TOKEN"
	KeyGeminiAPIKey  = "GEMINI_API_KEY"
)

// Operating modes.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// DefaultCatalogFile is used when no catalog reference resolves.
const DefaultCatalogFile = "product_data/jatri_books_info.md"

// DefaultAssistantName is how the default persona introduces itself.
const DefaultAssistantName = "Leo"

// DefaultPersona is the built-in bookseller persona.
const DefaultPersona = `You are "Leo," a passionate and friendly bookseller at Jatri Bookstore.

**--- CRITICAL RULE: YOUR LANGUAGE ABILITIES ---**
- You are an expert assistant who can ONLY speak and understand FOUR languages: **English, Arabic, Hindi, and Bengali.**
- Your response MUST BE ENTIRELY in the user's detected language.

**Your Conversational Flow & Role:**
1.  **Initiate Conversation**: Don't just list books. Ask the customer what they enjoy. For Thrillers, ask: "Do you prefer fast-paced action, a slow-burn mystery, or something with a historical twist?" For Self-Help, ask: "Is there a specific area in your life you're looking to improve, like productivity, finances, or well-being?"
2.  **Recommend Based on Interest**: Based on their answer, recommend 1-2 books from the list and briefly explain why they are a good fit.
3.  **Always Mention the Offer**: When you recommend a book from the list, you must mention the special campaign offer. For example: "The Dhaka Cipher is a great choice for that! And remember, if you pick any other book from our campaign list, you can get both for just BDT 750."

**Your Persona:**
- **Enthusiastic and Friendly**: Use positive language like "It's a fantastic read!" or "This book has helped so many people." Use emojis where appropriate (e.g., 📚, 🔪, 🌱).
- **Expert, Not Pushy**: You are a knowledgeable bookseller, not a high-pressure salesperson. Your goal is to help the customer find a book they will love.`

// Defaults returns the built-in value of every recognized key.
func Defaults() map[string]string {
	return map[string]string{
		KeyBotName:       "Jatri Bookseller Bot",
		KeyAssistantName: DefaultAssistantName,
		KeyPersona:       DefaultPersona,
		KeyCatalogFile:   DefaultCatalogFile,
		KeyMode:          ModeWebhook,
		KeyPublicBaseURL: "",
		KeyTelegramToken: "",
		KeyGeminiAPIKey:  "",
	}
}

// envNames lists, per key, the environment variables consulted in order.
var envNames = map[string][]string{
	KeyBotName:       {"BOT_NAME"},
	KeyAssistantName: {"ASSISTANT_NAME"},
	KeyPersona:       {"AI_PERSONA"},
	KeyCatalogFile:   {"CATALOG_FILE"},
	KeyMode:          {"MODE"},
	KeyPublicBaseURL: {"PUBLIC_BASE_URL", "RENDER_EXTERNAL_URL"},
	KeyTelegramToken: {"TELEGRAM_TOKEN"},
	KeyGeminiAPIKey:  {"GEMINI_API_KEY"},
}

var secretKeys = map[string]bool{
	KeyTelegramToken: true,
	KeyGeminiAPIKey:  true,
}

// Environ reads the environment layer through lookup (os.LookupEnv when nil).
func Environ(lookup func(string) (string, bool)) map[string]string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string, len(envNames))
	for key, names := range envNames {
		for _, name := range names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				out[key] = v
				break
			}
		}
	}
	return out
}

// Snapshot is one immutable resolution of every key.
type Snapshot struct {
	values   map[string]string
	sources  map[string]Source
	LoadedAt time.Time
}

// Source records which layer a value came from.
type Source string

const (
	SourceStore   Source = "store"
	SourceEnv     Source = "env"
	SourceDefault Source = "default"
)

// Resolve merges the three layers. Keys appearing only in persisted are kept
// too, so the admin can add settings this build does not know yet.
func Resolve(persisted, env, defaults map[string]string) *Snapshot {
	snap := &Snapshot{
		values:   make(map[string]string),
		sources:  make(map[string]Source),
		LoadedAt: time.Now().UTC(),
	}
	keys := make(map[string]struct{})
	for _, layer := range []map[string]string{persisted, env, defaults} {
		for k := range layer {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		switch {
		case strings.TrimSpace(persisted[k]) != "":
			snap.values[k], snap.sources[k] = strings.TrimSpace(persisted[k]), SourceStore
		case strings.TrimSpace(env[k]) != "":
			snap.values[k], snap.sources[k] = strings.TrimSpace(env[k]), SourceEnv
		default:
			snap.values[k], snap.sources[k] = defaults[k], SourceDefault
		}
	}
	return snap
}

// Get returns the effective value of key.
func (s *Snapshot) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.values[key]
}

// SourceOf reports where key's value came from.
func (s *Snapshot) SourceOf(key string) Source {
	if s == nil {
		return SourceDefault
	}
	if src, ok := s.sources[key]; ok {
		return src
	}
	return SourceDefault
}

func (s *Snapshot) BotName() string       { return s.Get(KeyBotName) }
func (s *Snapshot) AssistantName() string { return s.Get(KeyAssistantName) }
func (s *Snapshot) Persona() string       { return s.Get(KeyPersona) }
func (s *Snapshot) CatalogFile() string   { return s.Get(KeyCatalogFile) }
func (s *Snapshot) PublicBaseURL() string { return strings.TrimRight(s.Get(KeyPublicBaseURL), "/") }
func (s *Snapshot) TelegramToken() string { return s.Get(KeyTelegramToken) }
func (s *Snapshot) GeminiAPIKey() string  { return s.Get(KeyGeminiAPIKey) }

// Mode returns webhook or polling; anything else reads as webhook.
func (s *Snapshot) Mode() string {
	if strings.EqualFold(s.Get(KeyMode), ModePolling) {
		return ModePolling
	}
	return ModeWebhook
}

// Redacted returns every value with credentials masked, for display.
func (s *Snapshot) Redacted() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		if secretKeys[k] && v != "" {
			v = mask(v)
		}
		out[k] = v
	}
	return out
}

// Keys returns the resolved keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mask(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
