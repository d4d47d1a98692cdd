package models

import "errors"

// 错误分类（调用方使用 errors.Is 判断）
var (
	// ErrInvalidTransition 命令不适用于当前状态（过期命令、已解决、角色不符）
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrForbiddenRole 角色无权执行该命令（同时属于 ErrInvalidTransition）
	ErrForbiddenRole = errors.New("role not allowed")
	// ErrNotFound 报警 / 医院不存在
	ErrNotFound = errors.New("not found")
	// ErrValidation 参数校验失败
	ErrValidation = errors.New("validation failed")
	// ErrSchedulingFailure 升级期限记录失败（异步，重试）
	ErrSchedulingFailure = errors.New("scheduling failure")
	// ErrDispatchFailure 订阅方不可达（异步，不回滚）
	ErrDispatchFailure = errors.New("dispatch failure")
)

// forbiddenRoleError 同时匹配 ErrInvalidTransition 与 ErrForbiddenRole
type forbiddenRoleError struct {
	msg string
}

func (e *forbiddenRoleError) Error() string { return e.msg }

func (e *forbiddenRoleError) Is(target error) bool {
	return target == ErrInvalidTransition || target == ErrForbiddenRole
}

// NewForbiddenRoleError 构造角色不符错误
func NewForbiddenRoleError(msg string) error {
	return &forbiddenRoleError{msg: "invalid transition: role not allowed: " + msg}
}
