package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shelfquest/shelf-edge/internal/cache"
)

// 激活清理：旧版本分区整体删除，当前版本与外部数据不受影响。
func TestVersionCleanupRemovesStalePartitions(t *testing.T) {
	upstream := newFlakyUpstream(t, "ok")
	env := newEdgeEnv(t, originFor("api", apiHost, upstream.URL, "api"))
	ctx := context.Background()

	// 当前版本先写入一个条目。
	readBody(t, env.get(apiHost, "/api/library", nil))

	// 模拟上个版本遗留的分区。
	oldStore, err := cache.NewStore(env.cfg.Global.StoragePath, testCachePrefix, "v1.2.0")
	if err != nil {
		t.Fatalf("old store error: %v", err)
	}
	oldPart, err := oldStore.Open(ctx, "api")
	if err != nil {
		t.Fatalf("old partition error: %v", err)
	}
	_, err = oldPart.Put(ctx,
		cache.Key{Method: http.MethodGet, URL: "https://api.shelfquest.org/api/library"},
		cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: strings.NewReader("legacy")},
		time.Now(),
	)
	if err != nil {
		t.Fatalf("old put error: %v", err)
	}

	if err := env.sched.CleanupVersions(ctx); err != nil {
		t.Fatalf("版本清理失败: %v", err)
	}

	names, err := env.store.ListPartitionNames(ctx)
	if err != nil {
		t.Fatalf("列出分区失败: %v", err)
	}
	for _, name := range names {
		if strings.Contains(name, "v1.2.0") {
			t.Fatalf("旧版本分区应被删除: %v", names)
		}
	}

	// 当前版本的条目保持可用。
	upstream.SetOffline(true)
	resp := env.get(apiHost, "/api/library", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("清理后当前版本应仍可回退，得到 %d", resp.StatusCode)
	}
	readBody(t, resp)
}
