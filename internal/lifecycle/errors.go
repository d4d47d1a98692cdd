package lifecycle

import "wisefido-alert/internal/models"

// 状态机返回的错误，与 models 中的定义相同，便于调用方只依赖本包
var (
	ErrInvalidTransition = models.ErrInvalidTransition
	ErrForbiddenRole     = models.ErrForbiddenRole
	ErrNotFound          = models.ErrNotFound
	ErrValidation        = models.ErrValidation
)
