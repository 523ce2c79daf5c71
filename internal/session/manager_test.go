package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/prompt"
	"taxsaathi/apps/backend/internal/session"
	"taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/vector"
)

// textExtractor treats form feeds as page breaks.
type textExtractor struct{}

func (textExtractor) ExtractPages(ctx context.Context, data []byte) ([]string, error) {
	if strings.HasPrefix(string(data), "corrupt") {
		return nil, errors.New("bad xref")
	}
	return strings.Split(string(data), "\f"), nil
}

var keywordEmbedder = llm.EmbedderFunc(func(ctx context.Context, s string) ([]float32, error) {
	s = strings.ToLower(s)
	return []float32{float32(strings.Count(s, "salary")), float32(strings.Count(s, "80c")), 0.1}, nil
})

var echoGenerator = llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
	return "generated", nil
})

// gatedExtractor holds documents starting with "SLOW" until released.
type gatedExtractor struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedExtractor) ExtractPages(ctx context.Context, data []byte) ([]string, error) {
	if strings.HasPrefix(string(data), "SLOW") {
		close(g.entered)
		<-g.release
	}
	return textExtractor{}.ExtractPages(ctx, data)
}

func newManager(t *testing.T, gen llm.Generator, hook session.ComputedHook, opts ...func(*session.Config)) (*session.Manager, *vector.MemoryStore) {
	t.Helper()
	composer, err := prompt.NewComposer(prompt.DefaultTemplates())
	require.NoError(t, err)
	store := vector.NewMemoryStore()
	cfg := session.Config{
		Ingester:   ingest.NewService(textExtractor{}, 2),
		Store:      store,
		Embedder:   keywordEmbedder,
		Generator:  gen,
		Composer:   composer,
		OnComputed: hook,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return session.NewManager(cfg), store
}

func form16(content string) []*ingest.Document {
	return []*ingest.Document{{Name: "form16.pdf", Kind: ingest.KindForm16, Data: []byte(content)}}
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, echoGenerator, nil)

	a := m.Create(ctx)
	b := m.Create(ctx)
	assert.NotEqual(t, a.ID, b.ID)

	list := m.List()
	require.Len(t, list, 2)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = m.Ingest(ctx, a.ID, form16("Gross salary 12,00,000"))
	require.NoError(t, err)
	_, err = m.Ask(ctx, a.ID, "salary?")
	require.NoError(t, err)
	n, _ := store.Count(ctx, a.ID)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Delete(ctx, a.ID))
	_, err = m.Get(a.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	n, _ = store.Count(ctx, a.ID)
	assert.Zero(t, n)
	assert.Len(t, m.List(), 1)

	assert.ErrorIs(t, m.Delete(ctx, "missing"), session.ErrNotFound)
}

func TestManager_Ingest(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, echoGenerator, nil)
	s := m.Create(ctx)

	t.Run("Form16 Required", func(t *testing.T) {
		_, err := m.Ingest(ctx, s.ID, []*ingest.Document{
			{Name: "proof.pdf", Kind: ingest.KindInvestmentProof, Data: []byte("80C")},
		})
		assert.ErrorIs(t, err, ingest.ErrMissingDocument)
	})

	t.Run("Report", func(t *testing.T) {
		report, err := m.Ingest(ctx, s.ID, []*ingest.Document{
			{Name: "form16.pdf", Kind: ingest.KindForm16, Data: []byte("page one\fpage two")},
			{Name: "proof.png", Kind: ingest.KindInvestmentProof, Data: []byte("corrupt")},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, report.TotalPages)
		assert.Equal(t, 1, report.Failed)

		detail := s.Detail()
		assert.Equal(t, 2, detail.Pages)
		assert.NotEmpty(t, detail.Fingerprint)
		assert.Same(t, report, detail.Report)
	})
}

func TestManager_RequiresDocuments(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, echoGenerator, nil)
	s := m.Create(ctx)

	_, err := m.Ask(ctx, s.ID, "salary?")
	assert.ErrorIs(t, err, session.ErrNoDocuments)

	_, err = m.Compute(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrNoDocuments)

	_, err = m.Result(s.ID)
	assert.ErrorIs(t, err, session.ErrNoResult)
}

func TestManager_ComputeStoresResultAndCallsHook(t *testing.T) {
	ctx := context.Background()
	var hooked atomic.Pointer[tax.Result]
	var hookedDetail session.Detail
	m, _ := newManager(t, echoGenerator, func(ctx context.Context, d session.Detail, res *tax.Result) {
		hookedDetail = d
		hooked.Store(res)
	})
	s := m.Create(ctx)
	_, err := m.Ingest(ctx, s.ID, form16("salary"))
	require.NoError(t, err)

	res, err := m.Compute(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Documents().Fingerprint(), res.Fingerprint)

	stored, err := m.Result(s.ID)
	require.NoError(t, err)
	assert.Same(t, res, stored)
	assert.Same(t, res, hooked.Load())
	assert.Equal(t, s.ID, hookedDetail.ID)
	assert.True(t, hookedDetail.HasResult)
	require.NotNil(t, hookedDetail.Report)
	assert.Equal(t, "form16.pdf", hookedDetail.Report.Documents[0].Name)
	assert.True(t, s.Summary().HasResult)
}

func TestManager_ComputeDeduplicates(t *testing.T) {
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "generated", nil
	})
	m, _ := newManager(t, gen, nil)
	s := m.Create(ctx)
	_, err := m.Ingest(ctx, s.ID, form16("salary"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*tax.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Compute(ctx, s.ID)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Same(t, results[0], results[1])
}

func TestManager_StaleComputationDiscarded(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		started <- struct{}{}
		<-release
		return "generated", nil
	})
	m, _ := newManager(t, gen, nil)
	s := m.Create(ctx)
	_, err := m.Ingest(ctx, s.ID, form16("salary"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Compute(ctx, s.ID)
		errCh <- err
	}()
	<-started

	_, err = m.Ingest(ctx, s.ID, form16("revised salary"))
	require.NoError(t, err)
	close(release)

	assert.ErrorIs(t, <-errCh, session.ErrStale)
	_, err = m.Result(s.ID)
	assert.ErrorIs(t, err, session.ErrNoResult)
}

func TestManager_ResetCancelsInFlight(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 3)
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	m, _ := newManager(t, gen, nil)
	s := m.Create(ctx)
	_, err := m.Ingest(ctx, s.ID, form16("salary"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Compute(ctx, s.ID)
		errCh <- err
	}()
	<-started

	require.NoError(t, m.Reset(ctx, s.ID))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("compute was not cancelled by reset")
	}
	assert.Zero(t, s.Summary().Pages)
}

func TestManager_ComputeCallerCancel(t *testing.T) {
	cancelled := make(chan struct{}, 3)
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		<-ctx.Done()
		cancelled <- struct{}{}
		return "", ctx.Err()
	})
	m, _ := newManager(t, gen, nil)
	s := m.Create(context.Background())
	_, err := m.Ingest(context.Background(), s.ID, form16("salary"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Compute(ctx, s.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation kept running after its only caller left")
	}
	_, err = m.Result(s.ID)
	assert.ErrorIs(t, err, session.ErrNoResult)
}

func TestManager_AbandonedComputationNotStored(t *testing.T) {
	var returned int32
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		<-release
		atomic.AddInt32(&returned, 1)
		return "generated", nil
	})
	var hooked int32
	m, _ := newManager(t, gen, func(ctx context.Context, d session.Detail, res *tax.Result) {
		atomic.AddInt32(&hooked, 1)
	})
	s := m.Create(context.Background())
	_, err := m.Ingest(context.Background(), s.ID, form16("salary"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Compute(ctx, s.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&returned) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, err = m.Result(s.ID)
	assert.ErrorIs(t, err, session.ErrNoResult)
	assert.Zero(t, atomic.LoadInt32(&hooked))
}

func TestManager_ComputeSurvivesWhileAnyCallerWaits(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, p string) (string, error) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
			return "generated", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	m, _ := newManager(t, gen, nil)
	s := m.Create(context.Background())
	_, err := m.Ingest(context.Background(), s.ID, form16("salary"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Compute(context.Background(), s.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Compute(ctx, s.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	res, err := m.Result(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "generated", res.OldRegime)
}

func TestManager_IngestSerializesUploads(t *testing.T) {
	gate := gatedExtractor{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newManager(t, echoGenerator, nil, func(cfg *session.Config) {
		cfg.Ingester = ingest.NewService(gate, 2)
	})
	ctx := context.Background()
	s := m.Create(ctx)

	first := make(chan error, 1)
	go func() {
		_, err := m.Ingest(ctx, s.ID, form16("SLOW first upload"))
		first <- err
	}()
	<-gate.entered

	second := make(chan error, 1)
	go func() {
		_, err := m.Ingest(ctx, s.ID, form16("second upload"))
		second <- err
	}()

	select {
	case <-second:
		t.Fatal("second upload finished while the first was still extracting")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, "second upload", s.Documents().Text())
}

func TestManager_DeleteDuringAskLeavesNoEntries(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	emb := llm.EmbedderFunc(func(_ context.Context, s string) ([]float32, error) {
		once.Do(func() { close(entered) })
		<-release
		return []float32{1, 0}, nil
	})
	m, store := newManager(t, echoGenerator, nil, func(cfg *session.Config) {
		cfg.Embedder = emb
	})
	ctx := context.Background()
	s := m.Create(ctx)
	_, err := m.Ingest(ctx, s.ID, form16("Gross salary 12,00,000"))
	require.NoError(t, err)

	asked := make(chan error, 1)
	go func() {
		_, err := m.Ask(ctx, s.ID, "salary?")
		asked <- err
	}()
	<-entered

	deleted := make(chan error, 1)
	go func() { deleted <- m.Delete(ctx, s.ID) }()

	select {
	case <-deleted:
		t.Fatal("delete dropped the index while it was being built")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-asked
	require.NoError(t, <-deleted)

	n, err := store.Count(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
