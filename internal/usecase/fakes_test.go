package usecase_test

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/domain"
)

// memStore is an in-memory DocumentStore with the same key and ETag semantics
// as the Postgres adapter.
type memStore struct {
	mu   sync.Mutex
	seq  int
	docs map[string]map[string]*memDoc // container -> id -> doc
}

type memDoc struct {
	id        string
	partition string
	etag      string
	data      []byte
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

func newMemStore() *memStore {
	return &memStore{docs: map[string]map[string]*memDoc{}}
}

func (m *memStore) nextEtag() string {
	m.seq++
	return fmt.Sprintf("etag-%d", m.seq)
}

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
	if id == "" {
		return "", "", fmt.Errorf("document missing %s", spec[0])
	}
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
	etag := m.nextEtag()
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
		if !match {
			continue
		}
		out = append(out, domain.RawDoc{ID: d.id, Partition: d.partition, Etag: d.etag, Data: append([]byte(nil), d.data...)})
	}
	if q.OrderAscNumeric != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return numField(out[i].Data, q.OrderAscNumeric) < numField(out[j].Data, q.OrderAscNumeric)
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func numField(data []byte, field string) float64 {
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	n, _ := fields[field].(float64)
	return n
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
	next := m.nextEtag()
	m.docs[container][id] = &memDoc{id: id, partition: part, etag: next, data: data}
	return next, nil
}

func (m *memStore) Delete(_ domain.Context, container, id, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[container][id]
	if ok && (partition == "" || d.partition == partition) {
		delete(m.docs[container], id)
	}
	return nil
}

// etagOf exposes the stored ETag for conflict-injection in tests.
func (m *memStore) etagOf(container, id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[container][id]; ok {
		return d.etag
	}
	return ""
}

// fakeQueue records enqueued jobs.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.JobMessage
	err  error
}

func (f *fakeQueue) Enqueue(_ domain.Context, msg domain.JobMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, msg)
	return msg.IdempotencyKey(), nil
}

func (f *fakeQueue) all() []domain.JobMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobMessage(nil), f.jobs...)
}

func (f *fakeQueue) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
}

// fakeDepth returns a fixed queue depth.
type fakeDepth struct{ n int64 }

func (f *fakeDepth) Depth(domain.Context, domain.JobKind) (int64, error) { return f.n, nil }

// fakeRubric scores every answer with a fixed fraction of the max points.
type fakeRubric struct {
	mu       sync.Mutex
	fraction float64
	err      error
	calls    int
	execLogs []*domain.CodeExecutionLog
}

func (f *fakeRubric) Score(_ domain.Context, q domain.SnapshotQuestion, _ domain.Answer, execLog *domain.CodeExecutionLog) (domain.QuestionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.execLogs = append(f.execLogs, execLog)
	if f.err != nil {
		return domain.QuestionResult{}, f.err
	}
	return domain.QuestionResult{
		QuestionID:    q.ID,
		MaxPoints:     q.Points,
		PointsAwarded: q.Points * f.fraction,
		Evaluator:     domain.EvaluatorRubric,
	}, nil
}

// fakeGenerator produces numbered questions.
type fakeGenerator struct {
	mu       sync.Mutex
	n        int
	probeErr error
	genErr   error
}

func (f *fakeGenerator) Probe(domain.Context) error { return f.probeErr }

func (f *fakeGenerator) Generate(_ domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty) (domain.GeneratedQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genErr != nil {
		return domain.GeneratedQuestion{}, f.genErr
	}
	f.n++
	prompt := fmt.Sprintf("generated %s question %d", skill, f.n)
	return domain.GeneratedQuestion{
		Question: domain.Question{
			ID:          fmt.Sprintf("gen-%d", f.n),
			Skill:       skill,
			Type:        qt,
			Difficulty:  diff,
			Prompt:      prompt,
			Points:      10,
			ContentHash: domain.ContentHash(prompt),
		},
		Fingerprint: domain.Fingerprint(skill, qt, diff),
		Model:       "fake-model",
	}, nil
}

// fakeAI returns constant embeddings.
type fakeAI struct{ embedErr error }

func (f *fakeAI) ChatJSON(domain.Context, string, string, domain.JSONSchema, int) (string, error) {
	return "{}", nil
}

func (f *fakeAI) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

// fakeVector records upserts and returns canned matches.
type fakeVector struct {
	mu      sync.Mutex
	upserts []string
	matches []domain.VectorMatch
	err     error
}

func (f *fakeVector) Upsert(_ domain.Context, _, id string, _ []float32, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, id)
	return nil
}

func (f *fakeVector) SearchSimilar(domain.Context, string, []float32, int) ([]domain.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

// fakeRunner returns a fixed sandbox outcome.
type fakeRunner struct {
	result domain.ExecResult
	err    error
}

func (f *fakeRunner) Run(domain.Context, string, string, string) (domain.ExecResult, error) {
	if f.err != nil {
		return domain.ExecResult{}, f.err
	}
	return f.result, nil
}

// fakeSynth returns a canned report.
type fakeSynth struct {
	report domain.DetailedReport
	err    error
	calls  int
}

func (f *fakeSynth) Synthesize(_ domain.Context, _ domain.Submission, _ domain.AssessmentSnapshot, _ domain.EvaluationRecord) (domain.DetailedReport, error) {
	f.calls++
	if f.err != nil {
		return domain.DetailedReport{}, f.err
	}
	return f.report, nil
}
