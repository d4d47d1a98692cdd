package repository

import (
	"fmt"
	"sort"
	"sync"

	"wisefido-alert/internal/models"
)

// PolicyRepository 升级策略查询
type PolicyRepository interface {
	// 按 (hospital, type) > (hospital, *) > (*, type) > 默认 的顺序匹配
	PolicyFor(hospitalID, alertType string) models.EscalationPolicy
	// 报警类型是否已知（内置类型 + 策略文件中出现的类型）
	KnownAlertType(alertType string) bool
}

// StaticPolicyRepo 启动时加载的策略集合
type StaticPolicyRepo struct {
	mu         sync.RWMutex
	def        models.EscalationPolicy
	policies   []models.EscalationPolicy // 按匹配优先级降序
	alertTypes map[string]struct{}
}

// NewStaticPolicyRepo 创建策略仓库；def 为 nil 时使用内置默认策略
func NewStaticPolicyRepo(def *models.EscalationPolicy, policies []models.EscalationPolicy, extraTypes []string) (*StaticPolicyRepo, error) {
	r := &StaticPolicyRepo{alertTypes: map[string]struct{}{}}
	if err := r.Replace(def, policies, extraTypes); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace 整体替换策略（校验失败时保留原策略）
func (r *StaticPolicyRepo) Replace(def *models.EscalationPolicy, policies []models.EscalationPolicy, extraTypes []string) error {
	d := models.DefaultPolicy()
	if def != nil {
		d = *def
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid default policy: %w", err)
	}

	sorted := make([]models.EscalationPolicy, 0, len(policies))
	types := map[string]struct{}{}
	for _, t := range models.KnownAlertTypes {
		types[t] = struct{}{}
	}
	for _, t := range extraTypes {
		if t != "" {
			types[t] = struct{}{}
		}
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.AlertType != "" {
			types[p.AlertType] = struct{}{}
		}
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Specificity() > sorted[j].Specificity()
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = d
	r.policies = sorted
	r.alertTypes = types
	return nil
}

func (r *StaticPolicyRepo) PolicyFor(hospitalID, alertType string) models.EscalationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.policies {
		if p.Matches(hospitalID, alertType) {
			return p
		}
	}
	return r.def
}

func (r *StaticPolicyRepo) KnownAlertType(alertType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.alertTypes[alertType]
	return ok
}
