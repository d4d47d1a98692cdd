package config

import (
	"fmt"
	"os"

	"wisefido-alert/internal/models"
	"wisefido-alert/internal/repository"

	"gopkg.in/yaml.v3"
)

// PolicyFile 升级策略文件
//
//	default:
//	  name: default
//	  tiers:
//	    - {tier: 1, timeout_seconds: 60, notify_roles: [nurse, doctor]}
//	policies:
//	  - name: icu-cardiac
//	    hospital_id: h-1
//	    alert_type: cardiac_arrest
//	    tiers: [...]
//	alert_types: [fall_detected]
type PolicyFile struct {
	Default    *models.EscalationPolicy  `yaml:"default"`
	Policies   []models.EscalationPolicy `yaml:"policies"`
	AlertTypes []string                  `yaml:"alert_types"`
}

// LoadPolicyFile 读取并校验策略文件
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicies(data)
}

// ParsePolicies 解析策略 YAML
func ParsePolicies(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if pf.Default != nil {
		if pf.Default.Name == "" {
			pf.Default.Name = "default"
		}
		if err := pf.Default.Validate(); err != nil {
			return nil, err
		}
	}
	for i := range pf.Policies {
		if pf.Policies[i].Name == "" {
			pf.Policies[i].Name = fmt.Sprintf("policy-%d", i+1)
		}
		if err := pf.Policies[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &pf, nil
}

// PolicyRepository 按配置构建策略仓库；未配置策略文件时使用内置默认策略
func (c *Config) PolicyRepository() (*repository.StaticPolicyRepo, error) {
	if c.PolicyFile == "" {
		return repository.NewStaticPolicyRepo(nil, nil, nil)
	}
	pf, err := LoadPolicyFile(c.PolicyFile)
	if err != nil {
		return nil, err
	}
	return repository.NewStaticPolicyRepo(pf.Default, pf.Policies, pf.AlertTypes)
}
