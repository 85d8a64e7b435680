package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courtside/photodesk/internal/catalog"
	"github.com/courtside/photodesk/internal/imaging"
	"github.com/courtside/photodesk/internal/logging"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDeriver fails files whose name contains "bad" and can delay or gate
// individual files.
type stubDeriver struct {
	delays     map[string]time.Duration
	gate       chan struct{}
	gated      string
	bestEffort bool
	onDerive   func(name string)

	calls   atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (d *stubDeriver) Derive(ctx context.Context, src models.SourceFile, target models.Target) (*models.DerivedAsset, error) {
	d.calls.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if d.onDerive != nil {
		d.onDerive(src.Name)
	}
	if d.gate != nil && strings.HasPrefix(src.Name, d.gated) {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay := d.delays[src.Name]; delay > 0 {
		time.Sleep(delay)
	}
	if strings.Contains(src.Name, "bad") {
		return nil, fmt.Errorf("%w: cannot decode %s", models.ErrDerivation, src.Name)
	}
	return &models.DerivedAsset{
		Name:        src.Name,
		ContentType: "image/jpeg",
		Width:       target.MaxDimension,
		Height:      target.MaxDimension,
		BestEffort:  d.bestEffort,
		Data:        []byte(fmt.Sprintf("%s@%d", src.Name, target.MaxDimension)),
	}, nil
}

// multiDeriver derives every target in one call.
type multiDeriver struct {
	stubDeriver
	allCalls atomic.Int64
}

func (d *multiDeriver) DeriveAll(ctx context.Context, src models.SourceFile, targets ...models.Target) ([]*models.DerivedAsset, error) {
	d.allCalls.Add(1)
	assets := make([]*models.DerivedAsset, 0, len(targets))
	for _, target := range targets {
		a, err := d.stubDeriver.Derive(ctx, src, target)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, nil
}

type fixture struct {
	orch     *Orchestrator
	catalog  *catalog.Catalog
	previews *testutil.MockStorage
	deriver  *stubDeriver
}

func newFixture(t *testing.T, policy models.Policy, deriver *stubDeriver, opts ...Option) *fixture {
	t.Helper()
	if deriver == nil {
		deriver = &stubDeriver{}
	}
	previews := testutil.NewMockStorage()
	cat := catalog.New(policy.MaxItemCount, previews, logging.Discard())
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return &fixture{
		orch:     New(policy, deriver, cat, previews, opts...),
		catalog:  cat,
		previews: previews,
		deriver:  deriver,
	}
}

func sources(names ...string) []models.SourceFile {
	files := make([]models.SourceFile, len(names))
	for i, name := range names {
		files[i] = models.NewSourceFile(name, []byte("data:"+name))
	}
	return files
}

func names(items []models.BatchItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Source.Name
	}
	return out
}

func TestSelect_AppendsInSelectionOrder(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), nil)

	report, err := f.orch.Select(context.Background(), sources("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)
	assert.Len(t, report.Appended, 3)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, report.Total)

	items := f.catalog.Snapshot()
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, names(items))
	for i, item := range items {
		assert.Equal(t, report.Appended[i], item.ID)
		assert.NotEmpty(t, item.PreviewHandle)
		assert.Equal(t, 360, item.Preview.Width)
		assert.Equal(t, 500, item.Upload.Width)
		assert.False(t, item.AcceptedAt.IsZero())
	}
	assert.Equal(t, 3, f.previews.Live())
}

func TestSelect_OrderSurvivesOutOfOrderDerivation(t *testing.T) {
	deriver := &stubDeriver{delays: map[string]time.Duration{
		"a.jpg": 60 * time.Millisecond,
		"b.jpg": 30 * time.Millisecond,
	}}
	f := newFixture(t, models.DefaultPolicy(), deriver)

	_, err := f.orch.Select(context.Background(), sources("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, names(f.catalog.Snapshot()))
}

func TestSelect_RejectsWholeSelectionOverLimit(t *testing.T) {
	policy := models.DefaultPolicy()
	f := newFixture(t, policy, nil)

	existing := make([]string, 28)
	for i := range existing {
		existing[i] = fmt.Sprintf("old-%d.jpg", i)
	}
	_, err := f.orch.Select(context.Background(), sources(existing...))
	require.NoError(t, err)
	callsBefore := f.deriver.calls.Load()
	before := f.catalog.Snapshot()

	report, err := f.orch.Select(context.Background(), sources("x.jpg", "y.jpg", "z.jpg"))
	require.Error(t, err)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.ErrorIs(t, err, models.ErrCountExceeded)
	assert.Equal(t, "You can upload a maximum of 30 files.", batchErr.Message)
	assert.Empty(t, report.Appended)
	assert.Equal(t, before, f.catalog.Snapshot())
	assert.Equal(t, callsBefore, f.deriver.calls.Load(), "no file is derived for a rejected selection")

	// exactly reaching the limit is fine
	_, err = f.orch.Select(context.Background(), sources("x.jpg", "y.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 30, f.catalog.Len())
}

func TestSelect_SkipsOversizeFiles(t *testing.T) {
	policy := models.DefaultPolicy()
	f := newFixture(t, policy, nil)

	files := sources("a.jpg", "c.jpg")
	files = append(files[:1], append([]models.SourceFile{testutil.OversizeFile("huge.jpg", policy.MaxSourceBytes+1)}, files[1:]...)...)

	report, err := f.orch.Select(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "c.jpg"}, names(f.catalog.Snapshot()))
	require.Len(t, report.Errors, 1)
	fe := report.Errors[0]
	assert.Equal(t, 1, fe.Index)
	assert.Equal(t, "huge.jpg", fe.Name)
	assert.Equal(t, policy.SizeLimitMessage(), fe.Message)
	assert.ErrorIs(t, &fe, models.ErrFileTooLarge)
	assert.Equal(t, int64(4), f.deriver.calls.Load(), "the oversize file is never derived")
}

func TestSelect_DeclaredNonImageIsFileError(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), nil)

	files := sources("a.jpg", "notes.txt", "c.jpg")
	files[1].ContentType = "text/plain"
	files[2].ContentType = "image/jpeg"

	report, err := f.orch.Select(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "c.jpg"}, names(f.catalog.Snapshot()))
	require.Len(t, report.Errors, 1)
	fe := report.Errors[0]
	assert.Equal(t, 1, fe.Index)
	assert.Equal(t, "notes.txt", fe.Name)
	assert.Equal(t, MessageNotImage, fe.Message)
	assert.ErrorIs(t, &fe, models.ErrDerivation)
	assert.Equal(t, int64(4), f.deriver.calls.Load(), "the text file is never derived")
}

func TestSelect_CountCheckPrecedesPerFileChecks(t *testing.T) {
	policy := models.DefaultPolicy()
	policy.MaxItemCount = 2
	f := newFixture(t, policy, nil)

	files := append(sources("a.jpg", "b.jpg"), testutil.OversizeFile("huge.jpg", policy.MaxSourceBytes+1))
	files[1].ContentType = "application/pdf"

	report, err := f.orch.Select(context.Background(), files)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCountExceeded)
	assert.Empty(t, report.Errors)
	assert.Zero(t, f.deriver.calls.Load())
}

func TestSelect_MultiDeriverDerivesOncePerFile(t *testing.T) {
	deriver := &multiDeriver{}
	previews := testutil.NewMockStorage()
	policy := models.DefaultPolicy()
	cat := catalog.New(policy.MaxItemCount, previews, logging.Discard())
	orch := New(policy, deriver, cat, previews, WithLogger(logging.Discard()))

	report, err := orch.Select(context.Background(), sources("a.jpg", "bad.jpg", "c.jpg"))
	require.NoError(t, err)
	assert.Len(t, report.Appended, 2)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, MessageUndecodable, report.Errors[0].Message)
	assert.Equal(t, int64(3), deriver.allCalls.Load())

	items := cat.Snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, policy.Preview.MaxDimension, items[0].Preview.Width)
	assert.Equal(t, policy.Upload.MaxDimension, items[0].Upload.Width)
}

func TestSelect_OversizedDimensionsAreFileErrors(t *testing.T) {
	previews := testutil.NewMockStorage()
	policy := models.DefaultPolicy()
	cat := catalog.New(policy.MaxItemCount, previews, logging.Discard())
	deriver := imaging.NewDeriver(imaging.DefaultOptions(), logging.Discard())
	orch := New(policy, deriver, cat, previews, WithLogger(logging.Discard()))

	files := []models.SourceFile{
		testutil.SmallJPEG(t, "a.jpg", 120, 80),
		testutil.PNGHeader("bomb.png", 20000, 20000),
	}
	report, err := orch.Select(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, names(cat.Snapshot()))
	require.Len(t, report.Errors, 1)
	fe := report.Errors[0]
	assert.Equal(t, 1, fe.Index)
	assert.Equal(t, MessageUndecodable, fe.Message)
	assert.ErrorIs(t, &fe, models.ErrDerivation)
}

func TestSelect_PartialDerivationFailure(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), nil)

	report, err := f.orch.Select(context.Background(), sources("a.jpg", "bad-1.jpg", "b.jpg", "bad-2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, names(f.catalog.Snapshot()))
	require.Len(t, report.Errors, 2)
	assert.Equal(t, 1, report.Errors[0].Index)
	assert.Equal(t, 3, report.Errors[1].Index)
	assert.ErrorIs(t, &report.Errors[0], models.ErrDerivation)
	assert.Equal(t, 2, f.previews.Live(), "failed files leave no preview behind")
}

func TestSelect_PreviewStoreFailure(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), nil)
	f.previews.SaveErr = errors.New("disk full")

	report, err := f.orch.Select(context.Background(), sources("a.jpg"))
	require.NoError(t, err)
	assert.Zero(t, f.catalog.Len())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "The preview could not be stored.", report.Errors[0].Message)
}

func TestSelect_CountsBestEffort(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), &stubDeriver{bestEffort: true})

	report, err := f.orch.Select(context.Background(), sources("a.jpg", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.BestEffort)
	assert.Equal(t, 2, f.catalog.Len(), "best-effort variants are still accepted")
}

func TestSelect_BoundsConcurrency(t *testing.T) {
	files := make([]string, 12)
	delays := make(map[string]time.Duration, len(files))
	for i := range files {
		files[i] = fmt.Sprintf("f%02d.jpg", i)
		delays[files[i]] = 10 * time.Millisecond
	}
	deriver := &stubDeriver{delays: delays}
	f := newFixture(t, models.DefaultPolicy(), deriver, WithConcurrency(2))

	_, err := f.orch.Select(context.Background(), sources(files...))
	require.NoError(t, err)
	// two files at a time, each deriving two variants
	assert.LessOrEqual(t, deriver.maxSeen.Load(), int64(4))
	assert.Equal(t, 12, f.catalog.Len())
}

func TestSelect_ReleasesHandlesWhenAppendLosesRace(t *testing.T) {
	policy := models.DefaultPolicy()
	policy.MaxItemCount = 3

	var f *fixture
	var once sync.Once
	deriver := &stubDeriver{onDerive: func(string) {
		// another selection fills the catalog after validation passed
		once.Do(func() {
			for i := 0; i < 2; i++ {
				f.previews.AddPreview(fmt.Sprintf("other-%d", i), "other.jpg", []byte("p"))
				assert.NoError(t, f.catalog.Append(&models.BatchItem{
					ID:            fmt.Sprintf("other-%d", i),
					PreviewHandle: fmt.Sprintf("other-%d", i),
					Upload:        &models.DerivedAsset{Data: []byte("u")},
				}))
			}
		})
	}}
	f = newFixture(t, policy, deriver)

	report, err := f.orch.Select(context.Background(), sources("a.jpg", "b.jpg"))
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.ErrorIs(t, err, models.ErrCountExceeded)
	assert.Empty(t, report.Appended)
	assert.Equal(t, 2, f.catalog.Len())
	assert.Len(t, f.previews.Released(), 2, "both new previews are released")
	assert.Equal(t, 2, f.previews.Live())
}

func TestSelect_StrictOrderingFollowsCallOrder(t *testing.T) {
	deriver := &stubDeriver{gate: make(chan struct{}), gated: "first"}
	f := newFixture(t, models.DefaultPolicy(), deriver, WithStrictOrdering())

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Select(context.Background(), sources("first-a.jpg", "first-b.jpg"))
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return deriver.active.Load() > 0 }, time.Second, time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Select(context.Background(), sources("second.jpg"))
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second selection finished while the first was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(deriver.gate)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.Equal(t, []string{"first-a.jpg", "first-b.jpg", "second.jpg"}, names(f.catalog.Snapshot()))
}

func TestSelect_OverlappingWithoutStrictOrdering(t *testing.T) {
	deriver := &stubDeriver{gate: make(chan struct{}), gated: "first"}
	f := newFixture(t, models.DefaultPolicy(), deriver)

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Select(context.Background(), sources("first.jpg"))
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return deriver.active.Load() > 0 }, time.Second, time.Millisecond)

	_, err := f.orch.Select(context.Background(), sources("second.jpg"))
	require.NoError(t, err)
	close(deriver.gate)
	require.NoError(t, <-firstDone)

	assert.Equal(t, []string{"second.jpg", "first.jpg"}, names(f.catalog.Snapshot()), "completion order wins")
}

func TestSelect_Cancelled(t *testing.T) {
	deriver := &stubDeriver{gate: make(chan struct{}), gated: "slow"}
	f := newFixture(t, models.DefaultPolicy(), deriver)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for deriver.active.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := f.orch.Select(ctx, sources("slow.jpg", "slow-2.jpg"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.catalog.Len())
	assert.Zero(t, f.previews.Live())
}

func TestSelectWithProgress_ReportsStages(t *testing.T) {
	f := newFixture(t, models.DefaultPolicy(), nil)

	var (
		mu      sync.Mutex
		stages  []Stage
		maxDone int
	)
	_, err := f.orch.SelectWithProgress(context.Background(), sources("a.jpg", "b.jpg"), func(stage Stage, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
		if stage == StageDeriving && done > maxDone {
			maxDone = done
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageValidating, StageDeriving, StageAppending, StageIdle}, stages)
	assert.Equal(t, 2, maxDone)
}

func TestSelectWithProgress_RejectedStages(t *testing.T) {
	policy := models.DefaultPolicy()
	policy.MaxItemCount = 1
	f := newFixture(t, policy, nil)

	var stages []Stage
	_, err := f.orch.SelectWithProgress(context.Background(), sources("a.jpg", "b.jpg"), func(stage Stage, _, _ int) {
		stages = append(stages, stage)
	})
	require.Error(t, err)
	assert.Equal(t, []Stage{StageValidating, StageRejected, StageIdle}, stages)
}
