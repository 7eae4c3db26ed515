// Package policy 定义缓存策略分类器：对每个进站请求做纯函数式判定，
// 输出命中的策略变体（cache-first / network-first / stale-while-revalidate /
// cache-only / network-only）及其分区、TTL、容量与网络超时参数。
//
// 分类规则是一张有序决策表，首条命中即生效；分类器不做任何 I/O，
// 因此可以在任意并发上下文中安全复用同一实例。
package policy
