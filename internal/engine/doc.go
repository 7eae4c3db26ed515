// Package engine 实现五种缓存策略执行器，orchestrate “分类 → 查缓存 →
// 回源 → 写回” 的全流程。每个请求经分类器产出一个策略变体后，由对应
// 执行器推进到终态：命中缓存、回源成功、过期兜底、合成离线响应或
// 明确失败。存储故障一律降级为未命中并记录日志，绝不向调用方抛出；
// 同键并发未命中允许重复回源，后写覆盖先写。
package engine
