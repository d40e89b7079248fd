// Package telegram is a small Bot API client covering what the bot needs:
// receiving updates, downloading voice files and sending replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// DefaultMaxFileBytes is the Bot API download limit.
const DefaultMaxFileBytes = 20 << 20

// ErrFileTooLarge is returned when a download exceeds the configured cap.
var ErrFileTooLarge = errors.New("telegram file too large")

// APIError is a Bot API call that answered ok=false or a non-2xx status.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("telegram %s: http %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("telegram %s: http %d: %s", e.Method, e.StatusCode, e.Description)
}

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Token returns the bot token the client authenticates with.
func (c *Client) Token() string { return c.token }

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// do sends req and decodes a Bot API envelope into out.
func do[T any](c *Client, req *http.Request, method string, out *T) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var env apiResponse[T]
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && !env.OK) {
		desc := env.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: desc}
	}
	if decodeErr != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, decodeErr)
	}
	if out != nil {
		*out = env.Result
	}
	return nil
}

func postJSON[T any](ctx context.Context, c *Client, method string, body any, out *T) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(c, req, method, out)
}

// GetMe verifies the token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getMe"), nil)
	if err != nil {
		return nil, err
	}
	var out User
	if err := do(c, req, "getMe", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUpdates long-polls for updates and returns the next offset to use.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	u := fmt.Sprintf("%s?timeout=%d", c.methodURL("getUpdates"), secs)
	if offset > 0 {
		u += fmt.Sprintf("&offset=%d", offset)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, offset, err
	}
	var updates []Update
	if err := do(c, req, "getUpdates", &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, upd := range updates {
		if upd.UpdateID >= next {
			next = upd.UpdateID + 1
		}
	}
	return updates, next, nil
}

// GetFile resolves a file_id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("missing file_id")
	}
	u := fmt.Sprintf("%s?file_id=%s", c.methodURL("getFile"), url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out File
	if err := do(c, req, "getFile", &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.FilePath) == "" {
		return nil, errors.New("telegram getFile: missing file_path")
	}
	return &out, nil
}

// Download fetches a file path returned by GetFile into memory, refusing
// bodies larger than maxBytes. It also returns the server's Content-Type.
func (c *Client) Download(ctx context.Context, filePath string, maxBytes int64) ([]byte, string, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return nil, "", errors.New("missing file_path")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &APIError{Method: "download", StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("telegram download: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w (>%d bytes)", ErrFileTooLarge, maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// SendMessage sends plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return postJSON[json.RawMessage](ctx, c, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	}, nil)
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		action = "typing"
	}
	return postJSON[json.RawMessage](ctx, c, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, nil)
}

// SendVoice uploads OGG/Opus audio rendered as a voice bubble.
func (c *Client) SendVoice(ctx context.Context, chatID int64, data []byte, filename string) error {
	if filename == "" {
		filename = "voice.ogg"
	}
	return c.upload(ctx, "sendVoice", "voice", chatID, data, filename)
}

// SendAudio uploads audio rendered as a generic audio attachment.
func (c *Client) SendAudio(ctx context.Context, chatID int64, data []byte, filename string) error {
	if filename == "" {
		filename = "reply.wav"
	}
	return c.upload(ctx, "sendAudio", "audio", chatID, data, filename)
}

func (c *Client) upload(ctx context.Context, method, field string, chatID int64, data []byte, filename string) error {
	if len(data) == 0 {
		return fmt.Errorf("telegram %s: empty payload", method)
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
		part, err := mw.CreateFormFile(field, filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return do[json.RawMessage](c, req, method, nil)
}

// SetWebhook points Telegram at url. secret, when set, is echoed back in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, hookURL, secret string, dropPending bool) error {
	return postJSON[json.RawMessage](ctx, c, "setWebhook", setWebhookRequest{
		URL:                hookURL,
		SecretToken:        secret,
		DropPendingUpdates: dropPending,
		AllowedUpdates:     []string{"message"},
	}, nil)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return postJSON[json.RawMessage](ctx, c, "deleteWebhook", deleteWebhookRequest{DropPendingUpdates: dropPending}, nil)
}

// GetWebhookInfo reports the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getWebhookInfo"), nil)
	if err != nil {
		return nil, err
	}
	var out WebhookInfo
	if err := do(c, req, "getWebhookInfo", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartTyping sends the typing action now and every interval until the
// returned stop function is called or ctx ends.
func (c *Client) StartTyping(ctx context.Context, chatID int64, interval time.Duration) func() {
	if chatID == 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = 4 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	// Each action is bounded by the interval so a stalled call cannot pile up.
	typing := func() {
		actionCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		_ = c.SendChatAction(actionCtx, chatID, "typing")
	}
	go func() {
		typing()
		for {
			select {
			case <-ticker.C:
				typing()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
		ticker.Stop()
	}
}
