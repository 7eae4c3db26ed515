package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// Version 同时充当缓存分区的版本标签，发布新版本即可令旧分区被回收。
var (
	Version = "1.3.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("shelf-edge %s (%s)", Version, Commit)
}

// CacheTag 返回嵌入缓存分区名的版本标签，例如 v1.3.0。
func CacheTag() string {
	return "v" + Version
}
