package models

import (
	"fmt"
	"time"
)

// EscalationTier 升级层级定义
type EscalationTier struct {
	Tier           int    `json:"tier" yaml:"tier"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	NotifyRoles    []Role `json:"notify_roles" yaml:"notify_roles"`
}

// Timeout 层级超时时间
func (t EscalationTier) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// EscalationPolicy 升级策略（按医院 / 报警类型匹配，空值表示通配）
type EscalationPolicy struct {
	Name       string           `json:"name" yaml:"name"`
	HospitalID string           `json:"hospital_id,omitempty" yaml:"hospital_id"`
	AlertType  string           `json:"alert_type,omitempty" yaml:"alert_type"`
	Tiers      []EscalationTier `json:"tiers" yaml:"tiers"`
}

// DefaultPolicy 内置默认策略
func DefaultPolicy() EscalationPolicy {
	return EscalationPolicy{
		Name: "default",
		Tiers: []EscalationTier{
			{Tier: 1, TimeoutSeconds: 60, NotifyRoles: []Role{RoleNurse, RoleDoctor}},
			{Tier: 2, TimeoutSeconds: 120, NotifyRoles: []Role{RoleHeadDoctor}},
			{Tier: 3, TimeoutSeconds: 300, NotifyRoles: []Role{RoleAdmin}},
		},
	}
}

// Validate 校验策略：层级从 1 开始连续递增，超时为正数
func (p EscalationPolicy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy %q: at least one tier is required", p.Name)
	}
	for i, t := range p.Tiers {
		if t.Tier != i+1 {
			return fmt.Errorf("policy %q: tier at position %d must be %d, got %d", p.Name, i, i+1, t.Tier)
		}
		if t.TimeoutSeconds <= 0 {
			return fmt.Errorf("policy %q: tier %d timeout must be positive", p.Name, t.Tier)
		}
		for _, r := range t.NotifyRoles {
			if _, ok := ParseRole(string(r)); !ok {
				return fmt.Errorf("policy %q: tier %d has unknown notify role %q", p.Name, t.Tier, r)
			}
		}
	}
	return nil
}

// TierDef 获取指定层级
func (p EscalationPolicy) TierDef(tier int) (EscalationTier, bool) {
	if tier < 1 || tier > len(p.Tiers) {
		return EscalationTier{}, false
	}
	return p.Tiers[tier-1], true
}

// Next 获取下一层级（没有后继返回 false）
func (p EscalationPolicy) Next(tier int) (EscalationTier, bool) {
	return p.TierDef(tier + 1)
}

// MaxTier 最高层级
func (p EscalationPolicy) MaxTier() int {
	return len(p.Tiers)
}

// Matches 策略是否适用于 (hospitalID, alertType)
func (p EscalationPolicy) Matches(hospitalID, alertType string) bool {
	if p.HospitalID != "" && p.HospitalID != hospitalID {
		return false
	}
	if p.AlertType != "" && p.AlertType != alertType {
		return false
	}
	return true
}

// Specificity 匹配优先级：医院+类型 > 医院 > 类型 > 通配
func (p EscalationPolicy) Specificity() int {
	s := 0
	if p.HospitalID != "" {
		s += 2
	}
	if p.AlertType != "" {
		s++
	}
	return s
}
