package task

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"metapilot-automation/pkg/middleware"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService(t)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTaskBody() map[string]any {
	return map[string]any{
		"userId":            "user_1",
		"walletAddress":     "0x1234567890abcdef1234567890abcdef12345678",
		"sessionKeyAddress": "0x00000000000000000000000000000000000000bb",
		"type":              "eth-transfer",
		"recurring":         false,
		"conditions": []map[string]any{{
			"conditionType":     "gas_price",
			"direction":         "below",
			"gasPriceThreshold": "20000000000",
		}},
		"configuration": map[string]any{
			"network":   "sepolia",
			"recipient": "0x00000000000000000000000000000000000000cc",
			"amount":    "1000000000000000000",
		},
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tasks", createTaskBody())
	require.Equal(t, http.StatusCreated, w.Code)

	var resp taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, StatusActive, resp.Status)
	require.Len(t, resp.Conditions, 1)
}

func TestCreateTaskEndpointValidationError(t *testing.T) {
	r := newTestRouter(t)

	body := createTaskBody()
	body["conditions"] = []map[string]any{}
	w := doJSON(t, r, http.MethodPost, "/tasks", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "validation", resp.Error.Code)
}

func TestGetTaskEndpointNotFound(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseResumeEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tasks", createTaskBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodPost, "/tasks/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var paused taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paused))
	require.Equal(t, StatusPaused, paused.Status)

	// Pausing twice conflicts.
	w = doJSON(t, r, http.MethodPost, "/tasks/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, "/tasks/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resumed taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resumed))
	require.Equal(t, StatusActive, resumed.Status)
}

func TestListTasksEndpointFiltersByUser(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tasks", createTaskBody())
	require.Equal(t, http.StatusCreated, w.Code)

	other := createTaskBody()
	other["userId"] = "user_2"
	w = doJSON(t, r, http.MethodPost, "/tasks", other)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/tasks?userId=user_1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []taskResponse `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, "user_1", resp.Tasks[0].UserID)
}

func TestDeleteTaskEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/tasks", createTaskBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodDelete, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
