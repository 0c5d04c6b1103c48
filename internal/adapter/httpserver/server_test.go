package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriskill/veriskill/internal/adapter/httpserver"
	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/app"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

// memStore mirrors the Postgres adapter's key and ETag semantics in memory.
type memStore struct {
	mu   sync.Mutex
	seq  int
	docs map[string]map[string]*memDoc
}

type memDoc struct {
	id, partition, etag string
	data                []byte
}

var memKeys = map[string][2]string{
	postgres.ContainerAssessments:        {"id", "id"},
	postgres.ContainerSubmissions:        {"id", "assessment_id"},
	postgres.ContainerEvaluations:        {"id", "submission_id"},
	postgres.ContainerCodeExecutions:     {"run_id", "submission_id"},
	postgres.ContainerQuestions:          {"id", "skill"},
	postgres.ContainerGeneratedQuestions: {"id", "skill"},
	postgres.ContainerQuestionChecks:     {"id", "skill"},
}

func newMemStore() *memStore { return &memStore{docs: map[string]map[string]*memDoc{}} }

func (m *memStore) keysOf(container string, data []byte) (string, string, error) {
	spec, ok := memKeys[container]
	if !ok {
		return "", "", fmt.Errorf("unknown container %s", container)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", "", err
	}
	id, _ := fields[spec[0]].(string)
	part, _ := fields[spec[1]].(string)
	return id, part, nil
}

func (m *memStore) Put(_ domain.Context, container string, doc any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	id, part, err := m.keysOf(container, data)
	if err != nil {
		return "", err
	}
	if m.docs[container] == nil {
		m.docs[container] = map[string]*memDoc{}
	}
	m.seq++
	etag := fmt.Sprintf("etag-%d", m.seq)
	m.docs[container][id] = &memDoc{id: id, partition: part, etag: etag, data: data}
	return etag, nil
}

func (m *memStore) Get(_ domain.Context, container, id, partition string, out any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[container][id]
	if !ok || (partition != "" && d.partition != partition) {
		return "", domain.ErrNotFound
	}
	if err := json.Unmarshal(d.data, out); err != nil {
		return "", err
	}
	return d.etag, nil
}

func (m *memStore) Query(_ domain.Context, container string, q domain.DocQuery) ([]domain.RawDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RawDoc
	for _, d := range m.docs[container] {
		if q.Partition != "" && d.partition != q.Partition {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(d.data, &fields); err != nil {
			continue
		}
		match := true
		for k, want := range q.Contains {
			if fmt.Sprint(fields[k]) != fmt.Sprint(want) {
				match = false
				break
			}
		}
		if match {
			out = append(out, domain.RawDoc{ID: d.id, Partition: d.partition, Etag: d.etag, Data: append([]byte(nil), d.data...)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateIfMatch(_ domain.Context, container string, doc any, etag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	id, part, err := m.keysOf(container, data)
	if err != nil {
		return "", err
	}
	d, ok := m.docs[container][id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if d.etag != etag {
		return "", domain.ErrConflict
	}
	m.seq++
	next := fmt.Sprintf("etag-%d", m.seq)
	m.docs[container][id] = &memDoc{id: id, partition: part, etag: next, data: data}
	return next, nil
}

func (m *memStore) Delete(_ domain.Context, container, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[container], id)
	return nil
}

// memTokens is an in-memory TokenStore for handler tests.
type memTokens struct {
	mu     sync.Mutex
	seq    int
	tokens map[string]string
}

func newMemTokens() *memTokens { return &memTokens{tokens: map[string]string{}} }

func (m *memTokens) Issue(_ domain.Context, submissionID string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := fmt.Sprintf("tok-%d", m.seq)
	m.tokens[t] = submissionID
	return t, nil
}

func (m *memTokens) Resolve(_ domain.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}

type nullQueue struct{}

func (nullQueue) Enqueue(_ domain.Context, msg domain.JobMessage) (string, error) {
	return msg.IdempotencyKey(), nil
}

type nullDepth struct{}

func (nullDepth) Depth(domain.Context, domain.JobKind) (int64, error) { return 0, nil }

type stubGenerator struct{}

func (stubGenerator) Probe(domain.Context) error { return nil }
func (stubGenerator) Generate(_ domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty) (domain.GeneratedQuestion, error) {
	return domain.GeneratedQuestion{}, domain.ErrGeneratorUnavailable
}

type stubAI struct{}

func (stubAI) ChatJSON(domain.Context, string, string, domain.JSONSchema, int) (string, error) {
	return "{}", nil
}
func (stubAI) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

type stubVector struct{}

func (stubVector) Upsert(domain.Context, string, string, []float32, map[string]any) error { return nil }
func (stubVector) SearchSimilar(domain.Context, string, []float32, int) ([]domain.VectorMatch, error) {
	return nil, nil
}

type stubRubric struct{}

func (stubRubric) Score(_ domain.Context, q domain.SnapshotQuestion, _ domain.Answer, _ *domain.CodeExecutionLog) (domain.QuestionResult, error) {
	return domain.QuestionResult{QuestionID: q.ID, MaxPoints: q.Points, PointsAwarded: q.Points, Evaluator: domain.EvaluatorRubric}, nil
}

type stubRunner struct{}

func (stubRunner) Run(domain.Context, string, string, string) (domain.ExecResult, error) {
	return domain.ExecResult{Status: domain.ExecAccepted, Stdout: "ok\n"}, nil
}

type fixture struct {
	handler  http.Handler
	store    *memStore
	sessions *usecase.SessionService
	clk      *clock.Fixed
	admin    struct{ user, pass string }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := httpserver.HashPassword("opsecret", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)

	cfg := config.Config{
		MinQuestionsRequired:        1,
		AutoSubmitEnabled:           true,
		AutoSubmitGracePeriodMS:     30_000,
		ExpireSweepIntervalMS:       300_000,
		ViolationLimit:              3,
		ReservationTTL:              24 * time.Hour,
		QueueHighWater:              500,
		SemanticDupThreshold:        0.90,
		LLMConcurrencyPerSubmission: 2,
		LLMCallTimeoutMS:            1_000,
		LLMSubmissionBudgetMS:       2_000,
		RateLimitPerMin:             1_000,
		AdminUsername:               "ops",
		AdminPasswordHash:           hash,
	}

	store := newMemStore()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tokens := newMemTokens()

	catalog := usecase.NewCatalogService(cfg, store, stubGenerator{}, stubAI{}, stubVector{}, clk)
	composer := usecase.NewComposerService(cfg, store, catalog, stubGenerator{}, clk)
	sessions := usecase.NewSessionService(cfg, store, nullQueue{}, nullDepth{}, clk)
	scoring := usecase.NewScoringService(cfg, store, stubRubric{}, clk)
	execs := usecase.NewExecService(cfg, store, stubRunner{}, clk)

	srv := httpserver.NewServer(cfg, sessions, composer, catalog, scoring, execs, tokens, store)
	readyz := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	f := &fixture{
		handler:  app.BuildRouter(cfg, srv, readyz),
		store:    store,
		sessions: sessions,
		clk:      clk,
	}
	f.admin.user, f.admin.pass = "ops", "opsecret"
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedSnapshot(t *testing.T, id string, n int) {
	t.Helper()
	qs := make([]domain.SnapshotQuestion, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, domain.SnapshotQuestion{Question: domain.Question{
			ID: fmt.Sprintf("q-%d", i), Skill: "go", Type: domain.QuestionMCQ, Points: 5,
			Prompt:  fmt.Sprintf("prompt %d", i),
			Options: []domain.McqOption{{ID: "a", Text: "yes"}, {ID: "b", Text: "no"}},
			CorrectOptionID: "a",
		}, Source: domain.SourceCurated})
	}
	_, err := f.store.Put(context.Background(), postgres.ContainerAssessments, domain.AssessmentSnapshot{
		ID: id, DurationMS: 30 * 60 * 1000, Status: domain.GenerationReady, Questions: qs,
	})
	require.NoError(t, err)
}

// loginCandidate reserves, logs in, and returns (submissionID, bearer token).
func (f *fixture) loginCandidate(t *testing.T) (string, string) {
	t.Helper()
	f.seedSnapshot(t, "asmt-1", 12)
	sub, err := f.sessions.Reserve(context.Background(), "asmt-1", "cand@example.com", 30*60*1000, false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/candidate/login", map[string]string{"access_code": sub.AccessCode}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"submission_token"`
		ID    string `json:"submission_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.ID, out.Token
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NotEmpty(t, env.Message)
	return env.Error
}

func TestErrorEnvelopeIsFlat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/submissions/nope", nil, adminAuth(f))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	code, ok := env["error"].(string)
	require.True(t, ok, "error must be the code string, got %T", env["error"])
	assert.Equal(t, "not_found", code)
	msg, ok := env["message"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, msg)
	_, present := env["details"]
	assert.False(t, present, "details is omitted when empty")
}

func TestLoginRejectsUnknownCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/candidate/login", map[string]string{"access_code": "ABCDEFGH"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeErrorCode(t, rec))
}

func TestLoginValidatesBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/candidate/login", map[string]string{"access_code": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decodeErrorCode(t, rec))
}

func TestCandidateFlowStartTimerSubmit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)

	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var start struct {
		ExpirationInstant time.Time `json:"expiration_instant"`
		QuestionCount     int       `json:"question_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))
	assert.Equal(t, 12, start.QuestionCount)
	assert.Equal(t, f.clk.Now().Add(30*time.Minute), start.ExpirationInstant)

	rec = f.do(t, http.MethodGet, "/candidate/assessment/"+id+"/timer", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var timer struct {
		RemainingMS int64 `json:"remaining_ms"`
		InGrace     bool  `json:"in_grace"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timer))
	assert.Equal(t, int64(30*60*1000), timer.RemainingMS)
	assert.False(t, timer.InGrace)

	rec = f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/submit", map[string]any{
		"answers": []domain.Answer{
			{QuestionID: "q-0", Value: domain.AnswerValue{Kind: domain.AnswerOption, OptionID: "a"}},
		},
	}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		State string `json:"state"`
		Late  bool   `json:"late"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "completed", res.State)
	assert.False(t, res.Late)

	// Terminal sessions answer 410 on the timer.
	rec = f.do(t, http.MethodGet, "/candidate/assessment/"+id+"/timer", nil, bearer(token))
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "gone", decodeErrorCode(t, rec))
}

func TestQuestionsPageSanitizesAndPaginates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/candidate/assessment/"+id+"/questions/page?page=2", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Page      int              `json:"page"`
		PageSize  int              `json:"page_size"`
		Total     int              `json:"total"`
		Questions []map[string]any `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 12, page.Total)
	assert.Len(t, page.Questions, 2)
	for _, q := range page.Questions {
		_, leaked := q["correct_option_id"]
		assert.False(t, leaked, "grading fields must never reach candidates")
	}
}

func TestQuestionsPageBeforeStartConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodGet, "/candidate/assessment/"+id+"/questions/page", nil, bearer(token))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeErrorCode(t, rec))
}

func TestTokenNotBoundToOtherSubmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, token := f.loginCandidate(t)

	rec := f.do(t, http.MethodGet, "/candidate/assessment/other-submission/timer", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/candidate/assessment/x/timer", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecordEventCountsViolations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/event", map[string]string{"type": "tab_switch"}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		ViolationCount int    `json:"violation_count"`
		State          string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.ViolationCount)
	assert.Equal(t, "in_progress", out.State)
}

func TestRunCodeRejectsNonCodingQuestion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/code/run", map[string]string{
		"question_id": "q-0", "language": "python", "source": "print(1)",
	}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func adminAuth(f *fixture) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(f.admin.user, f.admin.pass) }
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/submissions/x", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = f.do(t, http.MethodGet, "/admin/submissions/x", nil, func(r *http.Request) {
		r.SetBasicAuth("ops", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiateTestWithExistingAssessment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedSnapshot(t, "asmt-9", 3)

	rec := f.do(t, http.MethodPost, "/admin/tests/initiate", map[string]any{
		"assessment_id":    "asmt-9",
		"candidate_email":  "cand@example.com",
		"duration_minutes": 45,
	}, adminAuth(f))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		SubmissionID string `json:"submission_id"`
		AccessCode   string `json:"access_code"`
		AssessmentID string `json:"assessment_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "asmt-9", out.AssessmentID)
	assert.Len(t, out.AccessCode, 10)
	assert.NotEmpty(t, out.SubmissionID)
}

func TestInitiateTestRequiresExactlyOneSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/admin/tests/initiate", map[string]any{
		"candidate_email":  "cand@example.com",
		"duration_minutes": 45,
	}, adminAuth(f))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/tests/initiate", map[string]any{
		"assessment_id":    "a",
		"composition_spec": map[string]any{"entries": []any{}},
		"candidate_email":  "cand@example.com",
		"duration_minutes": 45,
	}, adminAuth(f))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddQuestionAndDuplicateConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := map[string]any{"question": map[string]any{
		"id": "q-new", "skill": "go", "type": "descriptive", "difficulty": "easy",
		"prompt": "What is a mutex?", "points": 5,
	}}
	rec := f.do(t, http.MethodPost, "/admin/questions", q, adminAuth(f))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dup := map[string]any{"question": map[string]any{
		"id": "q-new-2", "skill": "go", "type": "descriptive", "difficulty": "easy",
		"prompt": "What is a mutex?", "points": 5,
	}}
	rec = f.do(t, http.MethodPost, "/admin/questions", dup, adminAuth(f))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decodeErrorCode(t, rec))
}

func TestSubmissionReportLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	// Pending before submit+score: 202.
	rec = f.do(t, http.MethodGet, "/admin/submissions/"+id+"/report", nil, adminAuth(f))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/submit", map[string]any{}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	// Score synchronously through the usecase, as the worker would.
	cfg := config.Config{LLMConcurrencyPerSubmission: 2, LLMCallTimeoutMS: 1000, LLMSubmissionBudgetMS: 2000}
	scoring := usecase.NewScoringService(cfg, f.store, stubRubric{}, f.clk)
	_, err := scoring.Score(context.Background(), id, false)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/admin/submissions/"+id+"/report", nil, adminAuth(f))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		ScoringStatus string                  `json:"scoring_status"`
		Evaluation    domain.EvaluationRecord `json:"evaluation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "completed", out.ScoringStatus)
	assert.Equal(t, 1, out.Evaluation.RunSequence)
	assert.Len(t, out.Evaluation.Results, 12)
}

func TestRescoreEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, token := f.loginCandidate(t)
	rec := f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/start", nil, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	// Rescore before terminal: conflict.
	rec = f.do(t, http.MethodPost, "/admin/submissions/"+id+"/rescore", nil, adminAuth(f))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/candidate/assessment/"+id+"/submit", map[string]any{}, bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/submissions/"+id+"/rescore", nil, adminAuth(f))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmissionStatusEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, _ := f.loginCandidate(t)

	rec := f.do(t, http.MethodGet, "/admin/submissions/"+id, nil, adminAuth(f))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "reserved", out.State)

	rec = f.do(t, http.MethodGet, "/admin/submissions/missing", nil, adminAuth(f))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()
	hash, err := httpserver.HashPassword("hunter2", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)
	assert.True(t, httpserver.VerifyPassword("hunter2", hash))
	assert.False(t, httpserver.VerifyPassword("hunter3", hash))
	assert.False(t, httpserver.VerifyPassword("hunter2", "not-a-hash"))
}
