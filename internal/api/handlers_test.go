package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voxchat/internal/auth"
	"voxchat/internal/models"
	"voxchat/internal/overlay"
	"voxchat/internal/pipeline"
	"voxchat/internal/telegram"
	"voxchat/internal/worker"
)

const (
	testToken    = "123456:ABCDEF"
	testSecret   = "hook-secret"
	testAdmin    = "admin"
	testPassword = "pw"
)

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      []worker.Job
	cancelled []int64
	calls     []string
	err       error
	depth     int
}

func (f *fakeScheduler) Submit(job worker.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "submit")
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) CancelUser(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel")
	f.cancelled = append(f.cancelled, userID)
	return 2
}

func (f *fakeScheduler) QueueDepth() int { return f.depth }

type fakeTurns struct {
	mu   sync.Mutex
	msgs []models.Inbound
}

func (f *fakeTurns) Handle(_ context.Context, msg models.Inbound) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return pipeline.Result{}
}

type fakeSessions int

func (f fakeSessions) Len() int { return int(f) }

type testServer struct {
	router    *gin.Engine
	handler   *Handler
	scheduler *fakeScheduler
	turns     *fakeTurns
	settings  *overlay.Overlay
	store     *overlay.FileStore
	dir       string
	notified  []string
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store := overlay.NewFileStore(filepath.Join(dir, "admin_store.json"))
	env := map[string]string{"TELEGRAM_TOKEN": testToken, "GEMINI_API_KEY": "gemini-key-9876"}
	settings := overlay.New(context.Background(), store, zerolog.Nop(), overlay.WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	srv := &testServer{
		scheduler: &fakeScheduler{depth: 3},
		turns:     &fakeTurns{},
		settings:  settings,
		store:     store,
		dir:       dir,
	}
	opts := Options{
		WebhookSecret: testSecret,
		AdminUsername: testAdmin,
		AdminPassword: testPassword,
		CatalogDir:    dir,
		Notify: func(_ context.Context, reason string) error {
			srv.notified = append(srv.notified, reason)
			return nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv.handler = NewHandler(srv.turns, srv.scheduler, settings, store, fakeSessions(4), opts, zerolog.Nop())
	srv.router = gin.New()
	srv.handler.RegisterRoutes(srv.router)
	return srv
}

func textUpdate(userID int64, text string) map[string]any {
	return map[string]any{
		"update_id": 10,
		"message": map[string]any{
			"message_id": 1,
			"chat":       map[string]any{"id": userID, "type": "private"},
			"from":       map[string]any{"id": userID, "first_name": "Rafi"},
			"text":       text,
		},
	}
}

func hookHeaders() map[string]string {
	return map[string]string{auth.SecretHeader: testSecret}
}

func adminHeaders() map[string]string {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(testAdmin, testPassword)
	return map[string]string{"Authorization": req.Header.Get("Authorization")}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["bot"] != "Jatri Bookseller Bot" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestWebhookQueuesTurn(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, textUpdate(42, "any thrillers?"), hookHeaders())
	assertStatus(t, rec, http.StatusOK)
	if len(srv.scheduler.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(srv.scheduler.jobs))
	}
	job := srv.scheduler.jobs[0]
	if job.UserID != 42 || job.Name != "text" {
		t.Fatalf("unexpected job: %+v", job)
	}
	job.Run(context.Background())
	if len(srv.turns.msgs) != 1 || srv.turns.msgs[0].Text != "any thrillers?" || srv.turns.msgs[0].ChatID != 42 {
		t.Fatalf("turn not handed to pipeline: %+v", srv.turns.msgs)
	}
}

func TestWebhookRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/webhook/wrong", textUpdate(1, "hi"), hookHeaders())
	assertStatus(t, rec, http.StatusNotFound)

	rec = doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, textUpdate(1, "hi"), nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+testToken, strings.NewReader("{not json"))
	req.Header.Set(auth.SecretHeader, testSecret)
	bad := httptest.NewRecorder()
	srv.router.ServeHTTP(bad, req)
	assertStatus(t, bad, http.StatusBadRequest)

	if len(srv.scheduler.jobs) != 0 {
		t.Fatalf("rejected updates must not be queued")
	}
}

func TestWebhookIgnoresEdits(t *testing.T) {
	srv := newTestServer(t, nil)
	edit := map[string]any{
		"update_id": 11,
		"edited_message": map[string]any{
			"chat": map[string]any{"id": 5},
			"from": map[string]any{"id": 5},
			"text": "edited",
		},
	}
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, edit, hookHeaders())
	assertStatus(t, rec, http.StatusOK)
	var body map[string]any
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["ignored"] != true || len(srv.scheduler.jobs) != 0 {
		t.Fatalf("edit should be acknowledged and ignored: %v", body)
	}
}

func TestWebhookBackpressure(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{worker.ErrDispatcherBusy, http.StatusTooManyRequests},
		{worker.ErrDispatcherClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		srv := newTestServer(t, nil)
		srv.scheduler.err = tc.err
		rec := doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, textUpdate(1, "hi"), hookHeaders())
		assertStatus(t, rec, tc.want)
	}
}

func TestClearCancelsPendingTurnsFirst(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, textUpdate(9, "/clear"), hookHeaders())
	assertStatus(t, rec, http.StatusOK)

	if strings.Join(srv.scheduler.calls, ",") != "cancel,submit" {
		t.Fatalf("expected cancel before submit, got %v", srv.scheduler.calls)
	}
	if srv.scheduler.cancelled[0] != 9 || srv.scheduler.jobs[0].Name != "command:clear" {
		t.Fatalf("unexpected clear handling: %v %+v", srv.scheduler.cancelled, srv.scheduler.jobs[0])
	}

	srv.scheduler.calls = nil
	doJSONRequest(t, srv.router, http.MethodPost, "/webhook/"+testToken, textUpdate(9, "/help"), hookHeaders())
	if strings.Join(srv.scheduler.calls, ",") != "submit" {
		t.Fatalf("/help must not cancel anything: %v", srv.scheduler.calls)
	}
}

func TestAdminStatus(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/admin/status", nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/admin/status", nil, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Settings   map[string]string `json:"settings"`
		Sources    map[string]string `json:"sources"`
		Mode       string            `json:"mode"`
		Sessions   int               `json:"sessions"`
		QueueDepth int               `json:"queue_depth"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Settings[overlay.KeyTelegramToken] != "****CDEF" || body.Settings[overlay.KeyGeminiAPIKey] != "****9876" {
		t.Fatalf("credentials not redacted: %v", body.Settings)
	}
	if body.Sources[overlay.KeyTelegramToken] != string(overlay.SourceEnv) || body.Sources[overlay.KeyBotName] != string(overlay.SourceDefault) {
		t.Fatalf("unexpected sources: %v", body.Sources)
	}
	if body.Mode != overlay.ModeWebhook || body.Sessions != 4 || body.QueueDepth != 3 {
		t.Fatalf("unexpected status: %+v", body)
	}
}

func TestAdminStatusReportsWebhook(t *testing.T) {
	srv := newTestServer(t, func(o *Options) {
		o.WebhookInfo = func(context.Context) (*telegram.WebhookInfo, error) {
			return &telegram.WebhookInfo{
				URL:                "https://bot.example.test/webhook/" + testToken,
				PendingUpdateCount: 2,
			}, nil
		}
	})
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/admin/status", nil, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Webhook telegram.WebhookInfo `json:"webhook"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Webhook.URL != "https://bot.example.test/webhook/<token>" || body.Webhook.PendingUpdateCount != 2 {
		t.Fatalf("unexpected webhook info: %+v", body.Webhook)
	}
	if strings.Contains(rec.Body.String(), testToken) {
		t.Fatalf("status leaked the bot token: %s", rec.Body.String())
	}

	srv = newTestServer(t, func(o *Options) {
		o.WebhookInfo = func(context.Context) (*telegram.WebhookInfo, error) {
			return nil, &telegram.APIError{Method: "getWebhookInfo", StatusCode: 502, Description: "Bad Gateway"}
		}
	})
	rec = doJSONRequest(t, srv.router, http.MethodGet, "/admin/status", nil, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "webhook_error") {
		t.Fatalf("expected webhook_error, got %s", rec.Body.String())
	}
}

func TestAdminReload(t *testing.T) {
	srv := newTestServer(t, nil)
	if err := srv.store.Save(context.Background(), map[string]string{overlay.KeyBotName: "Reloaded Books"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if srv.settings.Current().BotName() == "Reloaded Books" {
		t.Fatalf("overlay should not see the write before reload")
	}
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/admin/reload", nil, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	if srv.settings.Current().BotName() != "Reloaded Books" {
		t.Fatalf("reload did not pick up store value")
	}
	if len(srv.notified) != 1 {
		t.Fatalf("expected invalidation to be published, got %v", srv.notified)
	}
}

func TestAdminUpdateSettings(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSONRequest(t, srv.router, http.MethodPut, "/admin/settings",
		map[string]string{overlay.KeyBotName: " Boi Ghor ", overlay.KeyMode: "polling"}, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	snap := srv.settings.Current()
	if snap.BotName() != "Boi Ghor" || snap.Mode() != overlay.ModePolling || snap.SourceOf(overlay.KeyBotName) != overlay.SourceStore {
		t.Fatalf("settings not applied: %q %q", snap.BotName(), snap.Mode())
	}

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"secret without permission", map[string]string{overlay.KeyTelegramToken: "new"}, http.StatusForbidden},
		{"unknown key", map[string]string{"favourite_colour": "red"}, http.StatusBadRequest},
		{"bad mode", map[string]string{overlay.KeyMode: "carrier-pigeon"}, http.StatusBadRequest},
		{"empty body", map[string]string{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := doJSONRequest(t, srv.router, http.MethodPut, "/admin/settings", tc.body, adminHeaders())
		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
	if srv.settings.Current().TelegramToken() != testToken {
		t.Fatalf("forbidden write must not change the token")
	}
}

func TestAdminUpdateSecretsWhenAllowed(t *testing.T) {
	srv := newTestServer(t, func(o *Options) { o.AllowSecretWrites = true })
	rec := doJSONRequest(t, srv.router, http.MethodPut, "/admin/settings",
		map[string]string{overlay.KeyGeminiAPIKey: "rotated-key"}, adminHeaders())
	assertStatus(t, rec, http.StatusOK)
	if srv.settings.Current().GeminiAPIKey() != "rotated-key" {
		t.Fatalf("secret write not applied")
	}
}

func TestAdminCatalogUpload(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := uploadFile(t, srv.router, "books.md", []byte("# Catalog\n\n- The Alchemist, 450 BDT\n"))
	assertStatus(t, rec, http.StatusCreated)
	var body struct {
		CatalogFile string `json:"catalog_file"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.HasPrefix(body.CatalogFile, "product_data/uploads/") || !strings.HasSuffix(body.CatalogFile, "-books.md") {
		t.Fatalf("unexpected catalog ref %q", body.CatalogFile)
	}
	data, err := os.ReadFile(filepath.Join(srv.dir, filepath.FromSlash(body.CatalogFile)))
	if err != nil || !bytes.Contains(data, []byte("The Alchemist")) {
		t.Fatalf("uploaded catalog not stored: %v", err)
	}
	if srv.settings.Current().CatalogFile() != body.CatalogFile {
		t.Fatalf("catalog_file not updated: %q", srv.settings.Current().CatalogFile())
	}

	rec = uploadFile(t, srv.router, "books.pdf", []byte("%PDF-1.4"))
	assertStatus(t, rec, http.StatusBadRequest)

	rec = uploadFile(t, srv.router, "sneaky.md", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d})
	assertStatus(t, rec, http.StatusBadRequest)
}

func uploadFile(t *testing.T, router *gin.Engine, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/admin/catalog", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(testAdmin, testPassword)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
