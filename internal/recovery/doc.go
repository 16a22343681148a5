// Package recovery 实现步骤失败后的三级恢复：指数退避重试、
// 基于失败指纹的替代步骤、以及向用户索要修正参数的补全策略。
// 三种策略按固定优先级执行，整条流程共享一份恢复预算。
package recovery
