package integration

import (
	"net/http"
	"testing"
	"time"
)

const coverHost = "covers.shelfquest.local"

// stale-while-revalidate：命中立即返回旧副本，后台刷新让后续请求
// 最终看到新内容。
func TestCoverStaleWhileRevalidate(t *testing.T) {
	upstream := newFlakyUpstream(t, "cover v1")
	env := newEdgeEnv(t, originFor("covers", coverHost, upstream.URL, "covers"))

	header := map[string]string{"Sec-Fetch-Dest": "image"}

	resp := env.get(coverHost, "/covers/42.jpg", header)
	if state := resp.Header.Get("X-Shelf-Edge-Cache"); state != "miss" {
		t.Fatalf("首次请求应为 miss，得到 %q", state)
	}
	if body := readBody(t, resp); body != "cover v1" {
		t.Fatalf("响应体不符: %q", body)
	}

	// 上游更新后第一次命中仍返回旧副本。
	upstream.SetBody("cover v2")
	resp2 := env.get(coverHost, "/covers/42.jpg", header)
	if state := resp2.Header.Get("X-Shelf-Edge-Cache"); state != "hit" {
		t.Fatalf("二次请求应为 hit，得到 %q", state)
	}
	if body := readBody(t, resp2); body != "cover v1" {
		t.Fatalf("SWR 应先返回旧副本，得到 %q", body)
	}

	// 等待后台刷新落盘。
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp3 := env.get(coverHost, "/covers/42.jpg", header)
		body := readBody(t, resp3)
		if body == "cover v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("后台刷新超时，最后内容: %q", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// cache-only 之外的兜底：未知 Host 直接 404。
func TestUnmappedHostRejected(t *testing.T) {
	upstream := newFlakyUpstream(t, "cover v1")
	env := newEdgeEnv(t, originFor("covers", coverHost, upstream.URL, "covers"))

	resp := env.get("unknown.shelfquest.local", "/covers/42.jpg", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未映射 Host 应 404，得到 %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("所有响应都应携带 X-Request-ID")
	}
	readBody(t, resp)
}
