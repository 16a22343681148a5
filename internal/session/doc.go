// Package session 负责会话留痕与归并：多驱动的 Store 保存计划、
// 逐次尝试的步骤结果与恢复决策；到达终态的执行经由队列交给
// Consolidator 异步压缩成汇总记录。
package session
