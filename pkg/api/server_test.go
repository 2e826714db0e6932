package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/council"
	"github.com/quorumlabs/quorum/pkg/llm"
	"github.com/quorumlabs/quorum/pkg/registry"
	"github.com/quorumlabs/quorum/pkg/safety"
	"github.com/quorumlabs/quorum/pkg/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedStreamer answers every model with a fixed script: content for
// a clean completion, or an error message.
type scriptedStreamer struct {
	content map[string]string
	errs    map[string]string
}

func (f *scriptedStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	out := make(chan llm.StreamEvent, 4)
	go func() {
		defer close(out)
		if msg, ok := f.errs[req.Model]; ok {
			out <- &llm.ErrorEvent{Model: req.Model, Kind: llm.KindUpstream, Message: msg}
			return
		}
		content := f.content[req.Model]
		out <- &llm.TokenEvent{Model: req.Model, Text: content}
		out <- &llm.CompleteEvent{Model: req.Model, Content: content}
	}()
	return out, nil
}

type fixedRoles map[string][]string

func (r fixedRoles) RoleModels(_ context.Context) (map[string][]string, error) {
	return r, nil
}

func testServer(t *testing.T, streamer llm.Streamer) *Server {
	t.Helper()

	cfg := config.Defaults()
	cfg.Stage1Timeout = 5 * time.Second
	cfg.Stage2Timeout = 5 * time.Second
	cfg.Stage3Timeout = 5 * time.Second
	cfg.PerModelTimeout = 2 * time.Second
	cfg.Stage2Stagger = 0

	reg := registry.New(fixedRoles{
		registry.RoleCouncilMember:  {"m1", "m2"},
		registry.RoleStage2Reviewer: {"r1", "r2"},
		registry.RoleChairman:       {"chair1"},
		registry.RoleTitleGenerator: {"tg"},
	}, nil, nil)
	require.NoError(t, reg.Load(context.Background()))

	c := council.New(council.Deps{
		Config:    cfg,
		Streamer:  streamer,
		Registry:  reg,
		Resolver:  config.NewResolver(cfg, nil),
		Safety:    safety.NewService(cfg.MaxQueryChars, 0),
		Telemetry: &telemetry.CaptureSink{},
	})
	return NewServer(council.NewPipeline(c, nil), c, nil, nil)
}

func defaultStreamer() *scriptedStreamer {
	chairAnswer := strings.Repeat("The council agrees on a phased approach. ", 3)
	return &scriptedStreamer{content: map[string]string{
		"m1":     "Expand carefully.",
		"m2":     "Wait a quarter.",
		"r1":     "FINAL RANKING:\n1. Response A\n2. Response B",
		"r2":     "FINAL RANKING:\n1. Response B\n2. Response A",
		"chair1": chairAnswer,
		"tg":     "European Expansion Strategy",
	}}
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's
// Context.Stream requires of its writer; httptest.ResponseRecorder
// does not implement it.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(&closeNotifyRecorder{w}, req)
	return w
}

func TestHealth(t *testing.T) {
	router := testServer(t, defaultStreamer()).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAskStreamsEvents(t *testing.T) {
	router := testServer(t, defaultStreamer()).Router()

	w := postJSON(router, "/api/v1/council/ask", `{"query":"Should we expand to Europe?"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	for _, tag := range []string{
		"event:stage1_token",
		"event:stage1_all_complete",
		"event:stage2_all_complete",
		"event:stage3_complete",
	} {
		assert.Contains(t, body, tag)
	}

	// The terminal payload carries the synthesized answer.
	assert.Contains(t, body, "phased approach")
	// Anonymization map is published with the stage 2 terminal.
	assert.Contains(t, body, `"label_to_model"`)
}

func TestAskValidation(t *testing.T) {
	router := testServer(t, defaultStreamer()).Router()

	t.Run("missing query", func(t *testing.T) {
		w := postJSON(router, "/api/v1/council/ask", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := postJSON(router, "/api/v1/council/ask", `{"query":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("query too long", func(t *testing.T) {
		body, err := json.Marshal(gin.H{"query": strings.Repeat("a", 50001)})
		require.NoError(t, err)
		w := postJSON(router, "/api/v1/council/ask", string(body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "maximum length")
	})
}

func TestAskHistoryRoundTrip(t *testing.T) {
	streamer := defaultStreamer()
	server := testServer(t, streamer)

	w := postJSON(server.Router(), "/api/v1/council/ask",
		`{"query":"Follow-up?","history":[{"role":"user","content":"first question"},{"role":"assistant","content":"first answer"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event:stage3_complete")
}

func TestTitle(t *testing.T) {
	router := testServer(t, defaultStreamer()).Router()

	w := postJSON(router, "/api/v1/council/title", `{"query":"Should we expand to Europe?"}`)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "European Expansion Strategy", resp["title"])
}

func TestTitleValidation(t *testing.T) {
	router := testServer(t, defaultStreamer()).Router()

	w := postJSON(router, "/api/v1/council/title", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAskFailedStage1EndsStream(t *testing.T) {
	streamer := defaultStreamer()
	streamer.errs = map[string]string{"m1": "upstream 500", "m2": "upstream 500"}
	router := testServer(t, streamer).Router()

	w := postJSON(router, "/api/v1/council/ask", `{"query":"q"}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event:stage1_insufficient")
	assert.NotContains(t, body, "event:stage2_")
	assert.NotContains(t, body, "event:stage3_")
}
