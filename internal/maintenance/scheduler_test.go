package maintenance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfquest/shelf-edge/internal/cache"
	"github.com/shelfquest/shelf-edge/internal/policy"
)

const (
	testPrefix  = "shelfquest"
	testVersion = "v1.3.0"
)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestScheduler(t *testing.T, overrides map[string]policy.Override) (*Scheduler, cache.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.NewStore(dir, testPrefix, testVersion)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	sched, err := New(Options{
		Store:   store,
		Table:   policy.BuildTable(overrides),
		Logger:  discardLogger(),
		Prefix:  testPrefix,
		Version: testVersion,
	})
	if err != nil {
		t.Fatalf("scheduler error: %v", err)
	}
	return sched, store, dir
}

func seedEntry(t *testing.T, part cache.Partition, url string, writtenAt time.Time) {
	t.Helper()
	if _, err := part.Put(context.Background(),
		cache.Key{Method: http.MethodGet, URL: url},
		cache.Response{Status: http.StatusOK, Body: bytes.NewReader([]byte("x"))},
		writtenAt,
	); err != nil {
		t.Fatalf("seed error: %v", err)
	}
}

func TestCleanupVersionsRemovesOnlyOwnStalePartitions(t *testing.T) {
	sched, store, dir := newTestScheduler(t, nil)
	ctx := context.Background()

	current, err := store.Open(ctx, "api")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	seedEntry(t, current, "https://api.shelfquest.org/api/shelf", time.Now())

	// 上个版本遗留的分区。
	oldStore, err := cache.NewStore(dir, testPrefix, "v1.2.0")
	if err != nil {
		t.Fatalf("old store error: %v", err)
	}
	oldPart, err := oldStore.Open(ctx, "api")
	if err != nil {
		t.Fatalf("old open error: %v", err)
	}
	seedEntry(t, oldPart, "https://api.shelfquest.org/api/shelf", time.Now())

	// 同目录下其它程序的数据不归本引擎管。
	foreignStore, err := cache.NewStore(dir, "other", "v9")
	if err != nil {
		t.Fatalf("foreign store error: %v", err)
	}
	if _, err := foreignStore.Open(ctx, "data"); err != nil {
		t.Fatalf("foreign open error: %v", err)
	}

	if err := sched.CleanupVersions(ctx); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}

	names, err := store.ListPartitionNames(ctx)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	want := map[string]bool{
		"shelfquest-v1.3.0-api": true,
		"other-v9-data":         true,
	}
	if len(names) != len(want) {
		t.Fatalf("partition set mismatch: %v", names)
	}
	for _, name := range names {
		if !want[name] {
			t.Fatalf("unexpected partition survived: %s", name)
		}
	}

	// 当前版本的条目不受影响。
	entries, err := current.Keys(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("current entries should survive: %v (%v)", entries, err)
	}
}

func TestEnforceLimitsEvictsOldestFirst(t *testing.T) {
	sched, store, _ := newTestScheduler(t, map[string]policy.Override{
		policy.CategoryCovers: {MaxEntries: 2},
	})
	ctx := context.Background()

	part, err := store.Open(ctx, policy.CategoryCovers)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://covers.shelfquest.org/%d.jpg", i)
		seedEntry(t, part, url, base.Add(time.Duration(i)*time.Minute))
	}

	sched.EnforceLimits(ctx)

	entries, err := part.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(entries))
	}
	// 最旧的两条（0、1）被淘汰，最近写入的保留。
	if entries[0].Key.URL != "https://covers.shelfquest.org/2.jpg" ||
		entries[1].Key.URL != "https://covers.shelfquest.org/3.jpg" {
		t.Fatalf("wrong entries survived: %+v", entries)
	}
}

func TestEnforceLimitsLeavesPartitionsUnderCap(t *testing.T) {
	sched, store, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	part, err := store.Open(ctx, policy.CategoryFonts)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	seedEntry(t, part, "https://fonts.shelfquest.org/serif.woff2", time.Now())

	sched.EnforceLimits(ctx)

	entries, err := part.Keys(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("under-cap partition should be untouched: %v (%v)", entries, err)
	}
}

func TestEnforceLimitsRunsSyncDrain(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewStore(dir, testPrefix, testVersion)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	drains := &atomic.Int32{}
	sched, err := New(Options{
		Store:     store,
		Logger:    discardLogger(),
		Prefix:    testPrefix,
		Version:   testVersion,
		DrainSync: func(context.Context) { drains.Add(1) },
	})
	if err != nil {
		t.Fatalf("scheduler error: %v", err)
	}

	sched.EnforceLimits(context.Background())
	if drains.Load() != 1 {
		t.Fatalf("maintenance should attempt a queue drain, got %d", drains.Load())
	}
}

func TestTriggerDrivesRunLoop(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewStore(dir, testPrefix, testVersion)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	drains := &atomic.Int32{}
	sched, err := New(Options{
		Store:     store,
		Logger:    discardLogger(),
		Prefix:    testPrefix,
		Version:   testVersion,
		Interval:  time.Hour,
		DrainSync: func(context.Context) { drains.Add(1) },
	})
	if err != nil {
		t.Fatalf("scheduler error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	sched.Trigger()
	deadline := time.Now().Add(2 * time.Second)
	for drains.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("trigger did not run maintenance")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}
