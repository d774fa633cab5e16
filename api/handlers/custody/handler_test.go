package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodychain/internal/compliance"
	"custodychain/internal/ledger"
	"custodychain/internal/workflow/state"
	"custodychain/pkg/types"
)

type fakeEngine struct {
	lastReq    *compliance.ActionValidationRequest
	result     *compliance.ValidationResult
	credential *compliance.CredentialMetadata
	credErr    error
	blockErr   error
	blocked    []bool
}

func (f *fakeEngine) ValidateAction(_ context.Context, req *compliance.ActionValidationRequest) *compliance.ValidationResult {
	f.lastReq = req
	return f.result
}

func (f *fakeEngine) State(_ context.Context, entityID string) (*state.WorkflowState, error) {
	return state.NewState(entityID), nil
}

func (f *fakeEngine) Credential(context.Context, string) (*compliance.CredentialMetadata, error) {
	return f.credential, f.credErr
}

func (f *fakeEngine) SetBlocked(_ context.Context, entityID string, blocked bool, reason string) (*state.WorkflowState, error) {
	f.blocked = append(f.blocked, blocked)
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	st := state.NewState(entityID)
	if blocked {
		st.Block(reason)
	}
	return st, nil
}

type fakeReader struct {
	v   *ledger.Verification
	err error
}

func (f fakeReader) EntityVerification(context.Context, string) (*ledger.Verification, error) {
	return f.v, f.err
}

func newRouter(engine Validator, reader VerificationReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(engine, reader)
	r := gin.New()
	r.POST("/actions/validate", h.ValidateAction)
	r.GET("/entities/:id/state", h.GetState)
	r.GET("/entities/:id/credential", h.GetCredential)
	r.POST("/entities/:id/block", h.Block)
	r.DELETE("/entities/:id/block", h.Unblock)
	r.GET("/entities/:id/verification", h.GetVerification)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestValidateAction_RejectionStillOK(t *testing.T) {
	engine := &fakeEngine{result: &compliance.ValidationResult{
		Valid:      false,
		Code:       compliance.CodeSequenceViolation,
		Violations: []string{"transform action attempted before Stage1 (origin) was completed"},
	}}
	r := newRouter(engine, nil)

	w := do(r, http.MethodPost, "/actions/validate", map[string]any{
		"action":   "process_batch",
		"entityId": "lot-1",
		"actor":    map[string]any{"address": "0xabc", "role": "transform"},
		"data":     map[string]any{"inputQuantity": 10},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["isValid"])
	assert.Equal(t, "SEQUENCE_VIOLATION", body["code"])

	require.NotNil(t, engine.lastReq)
	assert.Equal(t, types.RoleTransform, engine.lastReq.Actor.Role)
	assert.Equal(t, "lot-1", engine.lastReq.EntityID)
}

func TestValidateAction_BadJSON(t *testing.T) {
	r := newRouter(&fakeEngine{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/actions/validate", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestGetCredential(t *testing.T) {
	t.Run("未完成返回 404", func(t *testing.T) {
		r := newRouter(&fakeEngine{credErr: compliance.ErrCredentialNotFound}, nil)
		w := do(r, http.MethodGet, "/entities/lot-1/credential", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("存储异常返回 500", func(t *testing.T) {
		r := newRouter(&fakeEngine{credErr: errors.New("db down")}, nil)
		w := do(r, http.MethodGet, "/entities/lot-1/credential", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("已签发", func(t *testing.T) {
		r := newRouter(&fakeEngine{credential: &compliance.CredentialMetadata{EntityID: "lot-1", Issuer: "custodychain"}}, nil)
		w := do(r, http.MethodGet, "/entities/lot-1/credential", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "custodychain")
	})
}

func TestBlockAndUnblock(t *testing.T) {
	engine := &fakeEngine{}
	r := newRouter(engine, nil)

	w := do(r, http.MethodPost, "/entities/lot-1/block", map[string]string{"reason": "recall"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "recall")

	w = do(r, http.MethodPost, "/entities/lot-1/block", map[string]string{"reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodDelete, "/entities/lot-1/block", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []bool{true, false}, engine.blocked)
}

func TestUnblock_NoChangeReturnsCurrentState(t *testing.T) {
	r := newRouter(&fakeEngine{blockErr: state.ErrNoChange}, nil)

	w := do(r, http.MethodDelete, "/entities/lot-1/block", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "状态未变化")
}

func TestGetState(t *testing.T) {
	r := newRouter(&fakeEngine{}, nil)

	w := do(r, http.MethodGet, "/entities/lot-9/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entity_id":"lot-9"`)
}

func TestGetVerification(t *testing.T) {
	t.Run("未配置读取端", func(t *testing.T) {
		r := newRouter(&fakeEngine{}, nil)
		w := do(r, http.MethodGet, "/entities/lot-1/verification", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("账本不可用", func(t *testing.T) {
		r := newRouter(&fakeEngine{}, fakeReader{err: errors.New("mirror node timeout")})
		w := do(r, http.MethodGet, "/entities/lot-1/verification", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("已核验", func(t *testing.T) {
		r := newRouter(&fakeEngine{}, fakeReader{v: &ledger.Verification{EntityID: "lot-1", Status: ledger.StatusVerified}})
		w := do(r, http.MethodGet, "/entities/lot-1/verification", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"verified"`)
	})
}
