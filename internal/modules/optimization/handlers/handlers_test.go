package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/saa/internal/clients/webhook"
	"github.com/aristath/saa/internal/config"
	"github.com/aristath/saa/internal/domain"
	"github.com/aristath/saa/internal/marketdata"
	"github.com/aristath/saa/internal/modules/jobs"
	"github.com/aristath/saa/internal/modules/pipeline"
	testutil "github.com/aristath/saa/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOptimizer struct {
	err error
}

func (s stubOptimizer) Run(context.Context, pipeline.Request) (*pipeline.Result, error) {
	return nil, s.err
}

func newService(t *testing.T) *pipeline.Service {
	t.Helper()
	eng := config.DefaultEngine()
	ds, err := marketdata.NewPreparer(eng.MinEigenvalue, zerolog.Nop()).Prepare(testutil.NewMarketDataFixture())
	require.NoError(t, err)
	return pipeline.NewService(ds, eng, 2, nil, zerolog.Nop())
}

func newRouter(optimizer Optimizer, generator *jobs.Generator) *chi.Mux {
	h := NewHandler(optimizer, generator, zerolog.Nop())
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api", h.RegisterRoutes)
	h.RegisterRoutes(r)
	return r
}

func newGenerator(svc jobs.Runner, store jobs.Uploader) *jobs.Generator {
	return jobs.NewGenerator(svc, store, testutil.NewMockNotifier(4), jobs.NewRegistry(nil, zerolog.Nop()), nil, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out), rec.Body.String())
	return rec, out
}

func errorOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object")
	return e
}

func TestHandleOptimize_Success(t *testing.T) {
	router := newRouter(newService(t), nil)

	for _, path := range []string{"/api/optimize", "/optimize"} {
		rec, body := do(t, router, http.MethodPost, path, `{"risk_profile":"RP3","investment_amount":1000000}`)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		data := body["data"].(map[string]interface{})
		assert.Equal(t, "RP3", data["risk_profile"])
		portfolio := data["portfolio"].(map[string]interface{})
		assert.NotEmpty(t, portfolio["rows"])
		assert.NotEmpty(t, portfolio["securities"])

		meta := body["metadata"].(map[string]interface{})
		assert.NotEmpty(t, meta["request_id"])
		assert.NotEmpty(t, meta["timestamp"])
	}
}

func TestHandleOptimize_MalformedJSON(t *testing.T) {
	router := newRouter(newService(t), nil)

	rec, body := do(t, router, http.MethodPost, "/api/optimize", `{"risk_profile":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BadRequest", errorOf(t, body)["kind"])
}

func TestHandleOptimize_FieldValidation(t *testing.T) {
	router := newRouter(newService(t), nil)

	rec, body := do(t, router, http.MethodPost, "/api/optimize", `{"target_volatility":0.5}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	e := errorOf(t, body)
	assert.Equal(t, string(domain.KindInputValidation), e["kind"])
	fields := e["fields"].(map[string]interface{})
	assert.Contains(t, fields, "target_volatility")
}

func TestHandleOptimize_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"input validation", domain.Validationf("bad data"), http.StatusUnprocessableEntity},
		{"mode mismatch", domain.NewError(domain.KindLiquidityModeMismatch, "equilibrium", "no liquidity asset"), http.StatusUnprocessableEntity},
		{"infeasible", domain.NewError(domain.KindConstraintInfeasible, "dynamic", "anchor violates bound").
			WithMitigations(domain.MitigationRaiseBudget, domain.MitigationRelaxedTotalRisk), http.StatusConflict},
		{"not converged", domain.NewError(domain.KindNotConverged, "dynamic", "iteration budget exhausted"), http.StatusInternalServerError},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(stubOptimizer{err: tt.err}, nil)
			rec, body := do(t, router, http.MethodPost, "/api/optimize", `{}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, errorOf(t, body)["message"])
		})
	}
}

func TestHandleOptimize_InfeasibleCarriesMitigations(t *testing.T) {
	err := domain.NewError(domain.KindConstraintInfeasible, "dynamic", "anchor violates bound").
		WithMitigations(domain.MitigationRaiseBudget, domain.MitigationRelaxedTotalRisk).
		WithDiagnostic("anchor_tracking_error", 0.02).
		WithDiagnostic("budget", 0.015)
	router := newRouter(stubOptimizer{err: err}, nil)

	_, body := do(t, router, http.MethodPost, "/api/optimize", `{}`)
	e := errorOf(t, body)
	assert.Equal(t, string(domain.KindConstraintInfeasible), e["kind"])
	assert.Len(t, e["mitigations"], 2)
	diags := e["diagnostics"].(map[string]interface{})
	assert.InDelta(t, 0.015, diags["budget"], 1e-12)
	assert.NotEmpty(t, e["recommendation"])
}

func TestHandleGenerate_RequiredFields(t *testing.T) {
	router := newRouter(newService(t), newGenerator(newService(t), testutil.NewMockObjectStore(false)))

	rec, body := do(t, router, http.MethodPost, "/generate", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	fields := errorOf(t, body)["fields"].(map[string]interface{})
	for _, name := range []string{"storageId", "fileName"} {
		list := fields[name].([]interface{})
		require.Len(t, list, 1)
		assert.Equal(t, "REQUIRED", list[0].(map[string]interface{})["code"])
	}
}

func TestHandleGenerate_InvalidWebhook(t *testing.T) {
	router := newRouter(newService(t), newGenerator(newService(t), testutil.NewMockObjectStore(false)))

	rec, body := do(t, router, http.MethodPost, "/api/generate",
		`{"storageId":"s","fileName":"f","webhook":{"url":"https://hooks.example/x","method":"GET"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	fields := errorOf(t, body)["fields"].(map[string]interface{})
	list := fields["webhook"].([]interface{})
	assert.Equal(t, webhook.CodeInvalidMethod, list[0].(map[string]interface{})["code"])
}

func TestHandleGenerate_StorageDisabled(t *testing.T) {
	router := newRouter(newService(t), newGenerator(newService(t), nil))

	rec, _ := do(t, router, http.MethodPost, "/api/generate", `{"storageId":"s","fileName":"f"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleGenerate_Sync(t *testing.T) {
	store := testutil.NewMockObjectStore(false)
	router := newRouter(newService(t), newGenerator(newService(t), store))

	rec, body := do(t, router, http.MethodPost, "/api/generate", `{"storageId":"acme","fileName":"plan","risk_profile":"RP2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])
	files := data["files"].(map[string]interface{})
	assert.Equal(t, "acme/plan/SAA_Results.xlsx", files["saaResults"])
	assert.Equal(t, "acme/plan/Portfolio_Construction_Results.xlsx", files["portfolioResults"])
	assert.Len(t, store.Keys(), 2)
}

func TestHandleGenerate_AsyncJob(t *testing.T) {
	gen := newGenerator(newService(t), testutil.NewMockObjectStore(false))
	router := newRouter(newService(t), gen)

	rec, body := do(t, router, http.MethodPost, "/api/generate",
		`{"storageId":"acme","fileName":"plan","webhook":{"url":"https://hooks.example/done"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "processing", data["status"])
	jobID := data["jobId"].(string)
	require.NotEmpty(t, jobID)

	require.NoError(t, gen.Shutdown(context.Background()))

	rec, body = do(t, router, http.MethodGet, "/api/generate/"+jobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := body["data"].(map[string]interface{})
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, jobID, job["jobId"])
}

func TestHandleGetJob_NotFound(t *testing.T) {
	router := newRouter(newService(t), newGenerator(newService(t), testutil.NewMockObjectStore(false)))

	rec, body := do(t, router, http.MethodGet, "/api/generate/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", errorOf(t, body)["kind"])
}

func TestStatusFor_WrappedErrors(t *testing.T) {
	wrapped := domain.NewError(domain.KindConstraintInfeasible, "dynamic", "x")
	assert.Equal(t, http.StatusConflict, StatusFor(wrapErr(wrapped)))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(jobs.ErrStorageDisabled))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assertErr("boom")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type wrapper struct{ err error }

func (w wrapper) Error() string { return "stage failed: " + w.err.Error() }
func (w wrapper) Unwrap() error { return w.err }

func wrapErr(err error) error { return wrapper{err: err} }
