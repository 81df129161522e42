// Package cheq 提供待确认队列：PendingConfirmation 的创建、持久化、逐条串行结算与惰性过期。
package cheq

import (
	"errors"
	"time"

	"lossguard/internal/models"
)

// CreateInput 创建 PendingConfirmation 的入参。
type CreateInput struct {
	Action       models.Action
	Decision     models.Decision
	Timeout      time.Duration // <=0 时用队列默认值
	ConfirmerIDs []string
}

// ErrAlreadyProcessed 表示该确认已结算。
var ErrAlreadyProcessed = errors.New("cheq: confirmation already processed")

// ErrNotFound 表示确认不存在。
var ErrNotFound = errors.New("cheq: confirmation not found")

// ErrExpired 表示已过期。
var ErrExpired = errors.New("cheq: confirmation expired")
