package models

import "strings"

// Role 操作人角色
type Role string

const (
	RoleOperator   Role = "operator"
	RoleNurse      Role = "nurse"
	RoleDoctor     Role = "doctor"
	RoleHeadDoctor Role = "head_doctor"
	RoleAdmin      Role = "admin"

	// RoleSystem 调度器等内部组件
	RoleSystem Role = "system"
)

// ParseRole 解析角色（大小写不敏感），未知角色返回 false
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleOperator, RoleNurse, RoleDoctor, RoleHeadDoctor, RoleAdmin:
		return r, true
	}
	return "", false
}

// 各操作允许的角色
var (
	CreateRoles      = []Role{RoleOperator, RoleAdmin}
	AcknowledgeRoles = []Role{RoleDoctor, RoleNurse, RoleHeadDoctor, RoleAdmin}
	ResolveRoles     = []Role{RoleDoctor, RoleHeadDoctor, RoleAdmin}
	ManualEscalate   = []Role{RoleAdmin}
)

// RoleIn 判断角色是否在集合内
func RoleIn(r Role, set []Role) bool {
	for _, v := range set {
		if v == r {
			return true
		}
	}
	return false
}

// Actor 命令发起人（不持有会话状态，只有 ID + 角色）
type Actor struct {
	ID   string `json:"actor_id"`
	Role Role   `json:"actor_role"`
}

// SystemActor 调度器发起的升级命令
var SystemActor = Actor{ID: "escalation-scheduler", Role: RoleSystem}
