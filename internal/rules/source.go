package rules

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Source 规则配置源（慢速），返回完整规则集
type Source interface {
	Rules(ctx context.Context) ([]ComplianceRule, error)
}

type ruleFile struct {
	Rules []ComplianceRule `yaml:"rules"`
}

// Parse 解析 YAML 规则集并校验
func Parse(data []byte) ([]ComplianceRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}
	if err := validateSet(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// FileSource 每次读取磁盘上的 YAML 文件
type FileSource struct {
	path string
}

// NewFileSource 创建文件规则源
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Rules 读取并解析规则文件
func (s *FileSource) Rules(ctx context.Context) ([]ComplianceRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件 %s 失败: %w", s.path, err)
	}
	return Parse(data)
}

// EmbeddedSource 内置默认规则集
type EmbeddedSource struct{}

// Rules 返回内置规则
func (EmbeddedSource) Rules(context.Context) ([]ComplianceRule, error) {
	return Parse(defaultRulesYAML)
}

// StaticSource 固定规则集，主要用于测试与嵌入场景
type StaticSource []ComplianceRule

// Rules 返回规则副本
func (s StaticSource) Rules(context.Context) ([]ComplianceRule, error) {
	if err := validateSet(s); err != nil {
		return nil, err
	}
	out := make([]ComplianceRule, len(s))
	copy(out, s)
	return out, nil
}
