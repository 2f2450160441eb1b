// Package models содержит доменные структуры движка подписок: пользователей,
// тарифы, подписки, платёжные транзакции, реферальные связи, бонусный журнал,
// узлы VPN и промокоды. Структуры используются и хранилищем, и бизнес-логикой.
package models

import (
	"strconv"
	"time"
)

// UserStatus статус учётной записи пользователя.
type UserStatus string

const (
	UserStatusPending UserStatus = "pending"
	UserStatusActive  UserStatus = "active"
	UserStatusBanned  UserStatus = "banned"
)

// User представляет пользователя, пришедшего из чат-платформы.
type User struct {
	ID           int64      `json:"id"`
	ExternalID   int64      `json:"external_id"`   // Идентификатор на платформе (Telegram)
	DisplayName  string     `json:"display_name"`  // Отображаемое имя
	Status       UserStatus `json:"status"`        // Статус учётной записи
	ReferralCode string     `json:"referral_code"` // Собственный реферальный код
	CreatedAt    time.Time  `json:"created_at"`
}

// UserProfile пользователь вместе с признаком истории оплаченных подписок.
type UserProfile struct {
	User
	HasHistory bool `json:"has_history"`
}

// Banned сообщает, заблокирован ли пользователь администратором.
func (u User) Banned() bool {
	return u.Status == UserStatusBanned
}

// PanelUsername имя учётной записи пользователя в панели VPN.
func (u User) PanelUsername() string {
	return "tg_" + strconv.FormatInt(u.ExternalID, 10)
}
