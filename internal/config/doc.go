// Package config 负责加载 AgentShield 的启动配置，支持 YAML 与 JSON 文件，
// 并允许通过环境变量覆盖敏感字段。
package config
