package rag

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sessionrag/internal/citation"
	"github.com/fyrsmithlabs/sessionrag/internal/embeddings"
	"github.com/fyrsmithlabs/sessionrag/internal/generation"
	"github.com/fyrsmithlabs/sessionrag/internal/logging"
	"github.com/fyrsmithlabs/sessionrag/internal/retriever"
	"github.com/fyrsmithlabs/sessionrag/internal/session"
	"github.com/fyrsmithlabs/sessionrag/internal/vectorstore"
)

// fakeEmbedder hashes words into a small bag-of-words vector.
type fakeEmbedder struct {
	mu        sync.Mutex
	docCalls  int
	failDocs  error
	failQuery error
	// block makes EmbedDocuments wait for cancellation, signalling started.
	block   bool
	started chan struct{}
}

func vectorFor(text string) []float32 {
	v := make([]float32, 16)
	v[0] = 1
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[1+h.Sum32()%15]++
	}
	return v
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.docCalls++
	f.mu.Unlock()
	if f.block {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failDocs != nil {
		return nil, f.failDocs
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.failQuery != nil {
		return nil, f.failQuery
	}
	return vectorFor(text), nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	answer   string
	repaired string
	err      error
	calls    int
	evidence []generation.Context
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, c generation.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.evidence = append(g.evidence, c)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

func (g *fakeGenerator) Repair(_ context.Context, _ string, _ generation.Context, _ string, _ []citation.Citation) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.repaired, nil
}

type harness struct {
	svc   *Service
	store *vectorstore.ChromemStore
	emb   *fakeEmbedder
	gen   *fakeGenerator
	log   *logging.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, logging.Nop())
	require.NoError(t, err)

	reg, err := session.NewRegistry(store, session.Options{Retrieval: retriever.DefaultOptions()}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	h := &harness{
		store: store,
		emb:   &fakeEmbedder{},
		gen:   &fakeGenerator{answer: "North revenue was 100 [doc:0]."},
		log:   logging.NewTestLogger(),
	}
	h.svc, err = NewService(reg, h.emb, h.gen, DefaultConfig(), h.log.Logger)
	require.NoError(t, err)
	return h
}

func (h *harness) index(t *testing.T, user, sess string, docs ...Document) *IndexResult {
	t.Helper()
	res, err := h.svc.Index(context.Background(), IndexRequest{User: user, Session: sess, Documents: docs})
	require.NoError(t, err)
	return res
}

func lines(n, width int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(strings.Repeat("x", width-1))
		b.WriteByte('\n')
	}
	return b.String()[:n]
}

func salesDocs() []Document {
	return []Document{
		{Name: "sales.csv", Group: "finance", Content: "region,revenue\nnorth,100\nsouth,80\n"},
		{Name: "handbook.txt", Group: "hr", Content: "staff handbook vacation policy"},
	}
}

func TestService_IndexLongTextDocument(t *testing.T) {
	h := newHarness(t)
	content := lines(25000, 100)
	require.Len(t, content, 25000)

	res := h.index(t, "alice", "s1", Document{Name: "notes.txt", Content: content})
	assert.Equal(t, 3, res.IndexedChunks)
	assert.Empty(t, res.Errors)

	st, err := h.svc.Status(context.Background(), "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Indexed: true, ChunkCount: 3, Documents: []string{"notes.txt"}}, st)
	h.log.AssertLogged(t, zapcore.InfoLevel, "documents indexed")
}

func TestService_IndexPartialFailure(t *testing.T) {
	h := newHarness(t)
	res := h.index(t, "alice", "s1",
		Document{Name: "good.csv", Content: "a,b\n1,2\n"},
		Document{Name: "empty.txt", Content: "   "},
		Document{Name: "good.csv", Content: "a,b\n3,4\n"},
		Document{Name: "sheet.xlsx", Format: "xlsx", Content: "binary"},
		Document{Name: "", Content: "nameless"},
	)

	assert.Equal(t, 1, res.IndexedChunks)
	require.Len(t, res.Errors, 4)
	assert.Equal(t, DocumentError{Document: "empty.txt", Reason: "document is empty"}, res.Errors[0])
	assert.Equal(t, "good.csv", res.Errors[1].Document)
	assert.Contains(t, res.Errors[1].Reason, "more than once")
	assert.Equal(t, `unsupported format "xlsx"`, res.Errors[2].Reason)
	assert.Equal(t, "", res.Errors[3].Document)
	assert.Empty(t, res.Warnings)

	st, err := h.svc.Status(context.Background(), "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"good.csv"}, st.Documents)
}

func TestService_IndexWarnsOnDroppedColumns(t *testing.T) {
	h := newHarness(t)
	header := make([]string, 52)
	row := make([]string, 52)
	for i := range header {
		header[i] = fmt.Sprintf("c%d", i)
		row[i] = strconv.Itoa(i)
	}
	wide := strings.Join(header, ",") + "\n" + strings.Join(row, ",") + "\n"

	res := h.index(t, "alice", "s1",
		Document{Name: "wide.csv", Content: wide},
		Document{Name: "narrow.csv", Content: "a,b\n1,2\n"},
	)

	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.IndexedChunks)
	assert.Equal(t, []DocumentWarning{
		{Document: "wide.csv", Message: "2 columns beyond the first 50 were not indexed"},
	}, res.Warnings)
	h.log.AssertLogged(t, zapcore.WarnLevel, "document columns dropped")
	h.log.AssertField(t, "document columns dropped", "dropped_columns", int64(2))
}

func TestService_IndexNothingIndexable(t *testing.T) {
	h := newHarness(t)
	res := h.index(t, "alice", "s1", Document{Name: "empty.txt"})
	assert.Zero(t, res.IndexedChunks)
	assert.Len(t, res.Errors, 1)
	assert.Zero(t, h.emb.docCalls)
	assert.Empty(t, h.svc.ListActiveSessions())
}

func TestService_InvalidIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		sess string
	}{
		{"empty user", "", "s1"},
		{"path traversal", "../etc", "s1"},
		{"slash in session", "alice", "a/b"},
		{"leading dot", "alice", ".hidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Index(ctx, IndexRequest{User: tt.user, Session: tt.sess, Documents: salesDocs()})
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = h.svc.Query(ctx, QueryRequest{User: tt.user, Session: tt.sess, Text: "q"})
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = h.svc.Status(ctx, tt.user, tt.sess)
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = h.svc.Clear(ctx, tt.user, tt.sess)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestService_IndexEmbeddingUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"exhausted retries", embeddings.ErrEmbeddingUnavailable},
		{"plain provider error", errors.New("connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.emb.failDocs = tt.err

			_, err := h.svc.Index(context.Background(), IndexRequest{User: "alice", Session: "s1", Documents: salesDocs()})
			assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)

			st, err := h.svc.Status(context.Background(), "alice", "s1")
			require.NoError(t, err)
			assert.False(t, st.Indexed)
			assert.Zero(t, st.ChunkCount)
		})
	}
}

func TestService_Reindex(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", Document{Name: "notes.txt", Content: lines(25000, 100)})
	h.index(t, "alice", "s1", Document{Name: "notes.txt", Content: "short replacement"})

	st, err := h.svc.Status(context.Background(), "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ChunkCount)

	n, err := h.store.Count(vectorstore.WithScope(context.Background(), vectorstore.Scope{User: "alice", Session: "s1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_QueryAnswersWithSources(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", salesDocs()...)

	res, err := h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "north revenue", TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, "North revenue was 100 [doc:0].", res.Answer)
	assert.True(t, res.ValidCitations)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "sales.csv", res.Sources[0].Document)
	assert.Equal(t, "finance", res.Sources[0].Group)
	assert.Equal(t, 0, res.Sources[0].ChunkIndex)
	assert.Contains(t, res.Sources[0].Snippet, "north | 100")
	assert.GreaterOrEqual(t, res.Sources[0].Score, res.Sources[1].Score)

	require.Len(t, h.gen.evidence, 1)
	assert.Contains(t, h.gen.evidence[0].Text, "[doc:0] (document: sales.csv, group: finance, rows 0-2)")
}

func TestService_QueryFilters(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", salesDocs()...)

	res, err := h.svc.Query(context.Background(), QueryRequest{
		User: "alice", Session: "s1", Text: "north revenue", Groups: []string{"hr"},
	})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "handbook.txt", res.Sources[0].Document)
}

func TestService_QueryStripsUnrepairableCitations(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", salesDocs()...)
	h.gen.answer = "Revenue rose [doc:7]."
	h.gen.repaired = "Revenue rose [doc:9]."

	res, err := h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "revenue"})
	require.NoError(t, err)
	assert.False(t, res.ValidCitations)
	assert.Equal(t, "Revenue rose.", res.Answer)
	assert.NotEmpty(t, res.Sources)
	assert.Equal(t, 2, h.gen.calls)
}

func TestService_QueryFlagsRepairedCitations(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", salesDocs()...)
	h.gen.answer = "North revenue was 100 [doc:5]."
	h.gen.repaired = "North revenue was 100 [doc:0]."

	res, err := h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "north revenue"})
	require.NoError(t, err)
	assert.Equal(t, "North revenue was 100 [doc:0].", res.Answer)
	assert.False(t, res.ValidCitations)
	assert.Equal(t, 2, h.gen.calls)
	assert.Len(t, res.Sources, 2)
}

func TestService_QueryFixedAnswers(t *testing.T) {
	down := errors.New("provider down")

	tests := []struct {
		name      string
		setup     func(h *harness)
		req       QueryRequest
		answer    string
		valid     bool
		generated bool
	}{
		{
			name:   "unknown session",
			req:    QueryRequest{User: "alice", Session: "nope", Text: "revenue"},
			answer: NotIndexedAnswer,
			valid:  true,
		},
		{
			name:   "nothing matches the filter",
			req:    QueryRequest{User: "alice", Session: "s1", Text: "revenue", Documents: []string{"missing.csv"}},
			answer: NoEvidenceAnswer,
			valid:  true,
		},
		{
			name:   "query embedding down",
			setup:  func(h *harness) { h.emb.failQuery = down },
			req:    QueryRequest{User: "alice", Session: "s1", Text: "revenue"},
			answer: UnavailableAnswer,
		},
		{
			name:      "chat model down",
			setup:     func(h *harness) { h.gen.err = down },
			req:       QueryRequest{User: "alice", Session: "s1", Text: "revenue"},
			answer:    UnavailableAnswer,
			generated: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.index(t, "alice", "s1", salesDocs()...)
			if tt.setup != nil {
				tt.setup(h)
			}

			res, err := h.svc.Query(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.answer, res.Answer)
			assert.Equal(t, tt.valid, res.ValidCitations)
			assert.Empty(t, res.Sources)
			assert.Equal(t, tt.generated, h.gen.calls > 0)
		})
	}
}

func TestService_QueryInvalidRequest(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", salesDocs()...)

	_, err := h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "q", TopK: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	for _, topK := range []int{DefaultConfig().MaxTopK + 1, 1 << 62} {
		_, err = h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "q", TopK: topK})
		assert.ErrorIs(t, err, ErrInvalidRequest, "top_k %d", topK)
	}
	assert.Zero(t, h.gen.calls)
}

func TestService_SessionIsolation(t *testing.T) {
	h := newHarness(t)
	h.index(t, "alice", "s1", Document{Name: "data.csv", Content: "item,owner\nwidget,alice-secret\n"})
	h.index(t, "bob", "s1", Document{Name: "data.csv", Content: "item,owner\nwidget,bob-secret\n"})

	res, err := h.svc.Query(context.Background(), QueryRequest{User: "alice", Session: "s1", Text: "widget owner bob-secret", TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	for _, src := range res.Sources {
		assert.NotContains(t, src.Snippet, "bob-secret")
	}
	for _, ev := range h.gen.evidence {
		assert.NotContains(t, ev.Text, "bob-secret")
	}

	assert.Equal(t, []string{"alice/s1", "bob/s1"}, h.svc.ListActiveSessions())
}

func TestService_ClearIsComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.index(t, "alice", "s1", salesDocs()...)
	h.index(t, "alice", "s2", salesDocs()...)

	res, err := h.svc.Clear(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.True(t, res.Cleared)

	st, err := h.svc.Status(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Documents: []string{}}, st)

	q, err := h.svc.Query(ctx, QueryRequest{User: "alice", Session: "s1", Text: "revenue"})
	require.NoError(t, err)
	assert.Equal(t, NotIndexedAnswer, q.Answer)

	n, err := h.store.Count(vectorstore.WithScope(ctx, vectorstore.Scope{User: "alice", Session: "s1"}))
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"alice/s2"}, h.svc.ListActiveSessions())

	res, err = h.svc.Clear(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.False(t, res.Cleared)
}

func TestService_ClearCancelsInFlightIndex(t *testing.T) {
	h := newHarness(t)
	h.emb.block = true
	h.emb.started = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Index(context.Background(), IndexRequest{User: "alice", Session: "s1", Documents: salesDocs()})
		errCh <- err
	}()

	select {
	case <-h.emb.started:
	case <-time.After(5 * time.Second):
		t.Fatal("index never reached embedding")
	}

	res, err := h.svc.Clear(context.Background(), "alice", "s1")
	require.NoError(t, err)
	assert.True(t, res.Cleared)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrIndexCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("index did not return after clear")
	}

	st, err := h.svc.Status(context.Background(), "alice", "s1")
	require.NoError(t, err)
	assert.False(t, st.Indexed)
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name    string
		content string
		runes   int
	}{
		{"short", "abc", 3},
		{"ascii over limit", strings.Repeat("a", 500), SnippetRunes},
		{"multibyte over limit", strings.Repeat("é", 400), SnippetRunes},
		{"exactly at limit", strings.Repeat("ü", SnippetRunes), SnippetRunes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snippet(tt.content)
			assert.Equal(t, tt.runes, utf8.RuneCountInString(got))
			assert.True(t, strings.HasPrefix(tt.content, got))
		})
	}
}

func TestNewService_Validation(t *testing.T) {
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, logging.Nop())
	require.NoError(t, err)
	reg, err := session.NewRegistry(store, session.Options{Retrieval: retriever.DefaultOptions()}, logging.Nop())
	require.NoError(t, err)
	defer func() { _ = reg.Close(context.Background()) }()

	_, err = NewService(nil, &fakeEmbedder{}, &fakeGenerator{}, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = NewService(reg, nil, &fakeGenerator{}, DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = NewService(reg, &fakeEmbedder{}, nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxContextChars = 0
	_, err = NewService(reg, &fakeEmbedder{}, &fakeGenerator{}, cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Chunking.MaxChars = 10
	_, err = NewService(reg, &fakeEmbedder{}, &fakeGenerator{}, cfg, nil)
	assert.Error(t, err)

	svc, err := NewService(reg, &fakeEmbedder{}, &fakeGenerator{}, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}
