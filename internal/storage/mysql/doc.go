// Package mysql 持久化比赛历史与每小时配额快照。提供基于本地文件的内存实现，
// 以及通过嵌入式迁移初始化表结构的 MySQL 实现。
package mysql
