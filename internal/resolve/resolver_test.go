package resolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/resilience"
	"github.com/lumenview/visibility-cli/pkg/anthropic"
	"github.com/lumenview/visibility-cli/pkg/sitemeta"
)

type fakeIndex struct {
	types map[string]string
	err   error
}

func (f *fakeIndex) LookupHostnameType(_ context.Context, hostname string) (*string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if typ, ok := f.types[hostname]; ok {
		return &typ, nil
	}
	return nil, nil
}

type fakeMeta struct {
	md    *sitemeta.Metadata
	err   error
	calls atomic.Int32
}

func (f *fakeMeta) Fetch(_ context.Context, _ string) (*sitemeta.Metadata, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.md, nil
}

type fakeLLM struct {
	text     string
	err      error
	gotModel string
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.gotModel = req.Model
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}}}, nil
}

func TestResolve_IndexHit(t *testing.T) {
	index := &fakeIndex{types: map[string]string{"news.acme.com": model.TypeNews}}
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "should not be fetched"}}

	r := New(index, meta, nil)
	info := r.Resolve(context.Background(), "news.acme.com", "corr-1")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeNews, *info.Type)
	assert.Nil(t, info.Name)
	assert.Zero(t, meta.calls.Load(), "index hit should skip the live fetch")
}

func TestResolve_LiveChain(t *testing.T) {
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme Forum", Description: "Community discussions"}}
	llm := &fakeLLM{text: " forum\n"}

	r := New(&fakeIndex{}, meta, llm)
	info := r.Resolve(context.Background(), "forum.acme.com", "corr-2")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeForum, *info.Type)
	require.NotNil(t, info.Name)
	assert.Equal(t, "Acme Forum", *info.Name)
	require.NotNil(t, info.Description)
	assert.Equal(t, "Community discussions", *info.Description)
}

func TestResolve_UnrecognizedLabel(t *testing.T) {
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme"}}
	llm := &fakeLLM{text: "MARKETPLACE"}

	r := New(&fakeIndex{}, meta, llm)
	info := r.Resolve(context.Background(), "acme.com", "corr-3")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeWebsite, *info.Type)
}

func TestResolve_ClassificationError_KeepsMetadata(t *testing.T) {
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme"}}
	llm := &fakeLLM{err: errors.New("api unavailable")}

	r := New(&fakeIndex{}, meta, llm)
	info := r.Resolve(context.Background(), "acme.com", "corr-4")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeWebsite, *info.Type)
	require.NotNil(t, info.Name)
	assert.Equal(t, "Acme", *info.Name)
}

func TestResolve_FetchError_FallsBack(t *testing.T) {
	meta := &fakeMeta{err: errors.New("dns name does not resolve")}

	r := New(&fakeIndex{}, meta, &fakeLLM{text: "NEWS"})
	info := r.Resolve(context.Background(), "down.example.com", "corr-5")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeWebsite, *info.Type)
	assert.Nil(t, info.Name)
	assert.Equal(t, int32(1), meta.calls.Load(), "permanent fetch errors are not retried")
}

// flakyMeta fails with a retryable error until failures runs out.
type flakyMeta struct {
	failures int
	calls    atomic.Int32
}

func (f *flakyMeta) Fetch(_ context.Context, _ string) (*sitemeta.Metadata, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return nil, resilience.NewTransientError(errors.New("status 503"), 503)
	}
	return &sitemeta.Metadata{Title: "Acme"}, nil
}

func TestResolve_TransientFetchError_Retried(t *testing.T) {
	meta := &flakyMeta{failures: 1}

	r := New(&fakeIndex{}, meta, &fakeLLM{text: "NEWS"})
	r.fetchRetry.InitialBackoff = time.Millisecond
	info := r.Resolve(context.Background(), "busy.example.com", "corr-8")

	assert.Equal(t, int32(2), meta.calls.Load())
	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeNews, *info.Type)
	require.NotNil(t, info.Name)
	assert.Equal(t, "Acme", *info.Name)
}

func TestResolve_ModelOption(t *testing.T) {
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme"}}
	llm := &fakeLLM{text: "BLOG"}

	r := New(&fakeIndex{}, meta, llm, WithModel("claude-sonnet-4-5"))
	r.Resolve(context.Background(), "acme.com", "corr-9")

	assert.Equal(t, "claude-sonnet-4-5", llm.gotModel)
}

func TestResolve_ModelOption_EmptyKeepsDefault(t *testing.T) {
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme"}}
	llm := &fakeLLM{text: "BLOG"}

	r := New(&fakeIndex{}, meta, llm, WithModel(""))
	r.Resolve(context.Background(), "acme.com", "corr-10")

	assert.Equal(t, anthropic.DefaultModel, llm.gotModel)
}

func TestResolve_IndexErrorFallsThrough(t *testing.T) {
	index := &fakeIndex{err: errors.New("db down")}
	meta := &fakeMeta{md: &sitemeta.Metadata{Title: "Acme"}}

	r := New(index, meta, &fakeLLM{text: "BLOG"})
	info := r.Resolve(context.Background(), "acme.com", "corr-6")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeBlog, *info.Type)
}

func TestResolve_NoClients(t *testing.T) {
	r := New(&fakeIndex{}, nil, nil)
	info := r.Resolve(context.Background(), "acme.com", "corr-7")

	require.NotNil(t, info.Type)
	assert.Equal(t, model.TypeWebsite, *info.Type)
}

type blockingMeta struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingMeta) Fetch(_ context.Context, _ string) (*sitemeta.Metadata, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &sitemeta.Metadata{Title: "Acme"}, nil
}

func TestResolve_ConcurrentCallsCollapse(t *testing.T) {
	meta := &blockingMeta{started: make(chan struct{}), release: make(chan struct{})}
	r := New(&fakeIndex{}, meta, &fakeLLM{text: "NEWS"})

	const callers = 6
	var wg sync.WaitGroup
	infos := make([]Info, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i] = r.Resolve(context.Background(), "acme.com", "corr-fan")
		}(i)
	}

	<-meta.started
	// Let the remaining callers join the in-flight lookup.
	time.Sleep(100 * time.Millisecond)
	close(meta.release)
	wg.Wait()

	assert.Equal(t, int32(1), meta.calls.Load(), "concurrent lookups should share one fetch")
	for _, info := range infos {
		require.NotNil(t, info.Type)
		assert.Equal(t, model.TypeNews, *info.Type)
	}
}
