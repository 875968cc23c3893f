package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundage/internal/integrity"
	"fundage/internal/lock"
	"fundage/internal/model"
	"fundage/internal/service"
)

type mockService struct {
	inflowErr  error
	outflowErr error
	moneyAge   *model.MoneyAge
	moneyErr   error
	traceErr   error
	recompErr  error
	markedFrom *time.Time
}

func (m *mockService) RecordInflow(ctx context.Context, req model.InflowRequest) (*model.ResourcePool, bool, error) {
	if m.inflowErr != nil {
		return nil, false, m.inflowErr
	}
	return &model.ResourcePool{ID: uuid.New(), SubjectID: req.SubjectID}, true, nil
}

func (m *mockService) RecordOutflow(ctx context.Context, req model.OutflowRequest) (*model.OutflowResult, error) {
	if m.outflowErr != nil {
		return nil, m.outflowErr
	}
	return &model.OutflowResult{OutflowEventID: uuid.New(), HealthLevel: model.HealthExcellent}, nil
}

func (m *mockService) Transfer(ctx context.Context, req service.TransferRequest) (*service.TransferResult, error) {
	return &service.TransferResult{}, nil
}

func (m *mockService) GetMoneyAge(ctx context.Context, subjectID string) (*model.MoneyAge, error) {
	if m.moneyErr != nil {
		return nil, m.moneyErr
	}
	return m.moneyAge, nil
}

func (m *mockService) TraceOutflow(ctx context.Context, id uuid.UUID) (*service.OutflowTrace, error) {
	if m.traceErr != nil {
		return nil, m.traceErr
	}
	return &service.OutflowTrace{}, nil
}

func (m *mockService) TraceInflow(ctx context.Context, id uuid.UUID) (*service.InflowTrace, error) {
	return &service.InflowTrace{}, nil
}

func (m *mockService) Recompute(ctx context.Context, subjectID string) (*model.ReplaySummary, error) {
	if m.recompErr != nil {
		return nil, m.recompErr
	}
	return &model.ReplaySummary{SubjectID: subjectID}, nil
}

func (m *mockService) MarkDirtyAndRecompute(ctx context.Context, subjectID string, from time.Time, reason model.DirtyReason) (*model.ReplaySummary, error) {
	if m.recompErr != nil {
		return nil, m.recompErr
	}
	m.markedFrom = &from
	return &model.ReplaySummary{SubjectID: subjectID, From: from}, nil
}

func (m *mockService) Rebuild(ctx context.Context, subjectID string) error { return nil }

func (m *mockService) CheckSubjectIntegrity(ctx context.Context, subjectID string) (*integrity.Report, error) {
	return &integrity.Report{SubjectID: subjectID}, nil
}

func (m *mockService) RunIntegrityCheck(ctx context.Context) (*integrity.FullReport, error) {
	return &integrity.FullReport{}, nil
}

func (m *mockService) LockStats() lock.StatsSnapshot { return lock.StatsSnapshot{} }

func serve(svc service.LedgerService, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRecordOutflow_Created(t *testing.T) {
	rec := serve(&mockService{}, http.MethodPost, "/outflows",
		`{"subject_id":"s-1","amount":900}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}

func TestRecordOutflow_InvalidAmount(t *testing.T) {
	rec := serve(&mockService{outflowErr: model.ErrInvalidAmount}, http.MethodPost, "/outflows",
		`{"subject_id":"s-1","amount":-1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRecordOutflow_LockContention(t *testing.T) {
	rec := serve(&mockService{outflowErr: model.ErrLockUnavailable}, http.MethodPost, "/outflows",
		`{"subject_id":"s-1","amount":900}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRecordOutflow_BadJSON(t *testing.T) {
	rec := serve(&mockService{}, http.MethodPost, "/outflows", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetMoneyAge(t *testing.T) {
	svc := &mockService{moneyAge: &model.MoneyAge{
		SubjectID:       "s-1",
		WeightedAgeDays: decimal.RequireFromString("40.87"),
		HealthLevel:     model.HealthStrained,
	}}
	rec := serve(svc, http.MethodGet, "/money-age?subject_id=s-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got model.MoneyAge
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got.HealthLevel != model.HealthStrained {
		t.Errorf("health = %s, want strained", got.HealthLevel)
	}
}

func TestGetMoneyAge_MissingSubject(t *testing.T) {
	rec := serve(&mockService{}, http.MethodGet, "/money-age", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetMoneyAge_UnknownSubject(t *testing.T) {
	rec := serve(&mockService{moneyErr: model.ErrSubjectNotFound}, http.MethodGet, "/money-age?subject_id=ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTraceOutflow_InvalidID(t *testing.T) {
	rec := serve(&mockService{}, http.MethodGet, "/trace/outflows/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTraceOutflow_NotFound(t *testing.T) {
	rec := serve(&mockService{traceErr: model.ErrEventNotFound},
		http.MethodGet, "/trace/outflows/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRecompute_InProgress(t *testing.T) {
	rec := serve(&mockService{recompErr: model.ErrRecomputeInProgress},
		http.MethodPost, "/recompute", `{"subject_id":"s-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRecompute_WithDirtyWindow(t *testing.T) {
	svc := &mockService{}
	rec := serve(svc, http.MethodPost, "/recompute",
		`{"subject_id":"s-1","from":"2026-01-15T00:00:00Z","reason":"outflow_insert"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.markedFrom == nil || !svc.markedFrom.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("dirty window not forwarded: %v", svc.markedFrom)
	}
}

func TestIntegrity_SingleSubject(t *testing.T) {
	rec := serve(&mockService{}, http.MethodGet, "/integrity?subject_id=s-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRebuild_Accepted(t *testing.T) {
	rec := serve(&mockService{}, http.MethodPost, "/rebuild", `{"subject_id":"s-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := serve(&mockService{}, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
