package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/eventstore"
	"github.com/xiaot623/gogo/internal/modelpool"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/tests/helpers"
)

func newTestProxy(t *testing.T) (*echo.Echo, *service.Service) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	events := eventstore.New(db)
	pool, err := modelpool.New(map[domain.ModelRole][]*modelpool.Candidate{
		domain.ModelRoleWriter:  {modelpool.NewCandidate("primary", "mock-writer", 1, llm.NewMockClient(llm.WithReply("hello from the pool")))},
		domain.ModelRolePlanner: {modelpool.NewCandidate("down", "mock-planner", 1, llm.NewMockClient(llm.WithFaults(llm.FaultConnection)))},
	}, modelpool.WithRecorder(events))
	require.NoError(t, err)

	svc := service.New(db, events, service.Config{}, service.WithModelPool(pool))
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e)
	return e, svc
}

func post(e *echo.Echo, body any, headers map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func chat(model string, stream bool) *llm.ChatCompletionRequest {
	return &llm.ChatCompletionRequest{
		Model:    model,
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   stream,
	}
}

func TestChatCompletions(t *testing.T) {
	e, _ := newTestProxy(t)

	rec := post(e, chat("writer", false), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp llm.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Message())
	assert.Equal(t, "hello from the pool", resp.Message().Content)

	// The header wins over the model field.
	rec = post(e, chat("anything", false), map[string]string{HeaderModelRole: "writer"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(e, chat("", false), map[string]string{HeaderModelRole: "painter"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(e, chat("planner", false), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var apiErr llm.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "model_unavailable", apiErr.Error.Code)

	rec = post(e, &llm.ChatCompletionRequest{Model: "writer"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsStream(t *testing.T) {
	e, svc := newTestProxy(t)
	ctx := context.Background()
	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{SessionID: "s1"})
	require.NoError(t, err)

	rec := post(e, chat("writer", true), map[string]string{HeaderRunID: run.RunID})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "chat.completion.chunk")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	// Deltas are transient, model events are persisted.
	resp, err := svc.ListRunEvents(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	var types []domain.EventType
	for _, ev := range resp.Events {
		types = append(types, ev.Type)
	}
	assert.NotContains(t, types, domain.EventTypeLLMStreamDelta)
	assert.Contains(t, types, domain.EventTypeModelServed)

	rec = post(e, chat("planner", true), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListModels(t *testing.T) {
	e, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp llm.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var ids []string
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"planner", "writer"}, ids)
}
