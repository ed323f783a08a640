// Package redis 把每个钱包的每小时会话配额状态保存在 Redis 哈希中，
// 使多次重启之间仍遵守同一个配额窗口。
package redis
