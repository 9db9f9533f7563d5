// Package api 暴露 REST 接口:签发访问令牌、接收自然语言指令并驱动
// 解析、授权、执行流水线,以及操作状态的查询与统计。
package api
