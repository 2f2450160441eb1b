package models

import "time"

// NodeHealth состояние узла VPN по данным панели.
type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"
	NodeDegraded    NodeHealth = "degraded"
	NodeUnreachable NodeHealth = "unreachable"
)

// Node узел VPN, на котором размещаются пользователи.
type Node struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Pool       string     `json:"pool"`
	Load       int        `json:"load"`
	Capacity   int        `json:"capacity"`
	Health     NodeHealth `json:"health"`
	LastSeenAt time.Time  `json:"last_seen_at"`
}

// Healthy узел принимает новых пользователей.
func (n Node) Healthy() bool {
	return n.Health == NodeHealthy && (n.Capacity == 0 || n.Load < n.Capacity)
}

// AccessRequest запрос на выдачу доступа пользователю.
type AccessRequest struct {
	User            User
	Tariff          Tariff
	ExpiresAt       time.Time
	PreferredNodeID string
}

// NodeAssignment результат выдачи доступа.
type NodeAssignment struct {
	NodeID    string `json:"node_id"`
	AccessURL string `json:"access_url"`
}
