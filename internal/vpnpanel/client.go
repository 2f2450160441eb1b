// Package vpnpanel клиент панели управления узлами VPN. Клиент держит сессию
// панели, кэширует список узлов и выдаёт или отзывает доступ пользователей.
package vpnpanel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Токен обновляется заранее, чтобы запрос не ушёл с истекающей сессией.
const tokenRefreshMargin = 30 * time.Second

// NodeStore сохраняет последний полученный список узлов.
type NodeStore interface {
	UpsertNodes(ctx context.Context, nodes []models.Node, seenAt time.Time) error
}

type Client struct {
	cfg        config.VPNPanel
	httpClient *http.Client
	store      NodeStore
	log        *slog.Logger
	now        func() time.Time

	authMu   sync.Mutex
	token    string
	tokenExp time.Time

	nodesMu   sync.RWMutex
	nodes     []models.Node
	refreshed time.Time
}

func New(cfg config.VPNPanel, store NodeStore, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      store,
		log:        log,
		now:        time.Now,
	}
}

// Close закрывает соединения клиента.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

type apiResponse[T any] struct {
	Response T `json:"response"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("panel status %d: %s", e.status, e.body)
}

func (c *Client) login(ctx context.Context) error {
	const op = "vpnpanel.login"

	body, err := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result apiResponse[struct {
		AccessToken string `json:"accessToken"`
	}]
	if err := c.send(req, &result); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.Response.AccessToken == "" {
		return fmt.Errorf("%s: %w: empty access token", op, models.ErrTransport)
	}

	c.token = result.Response.AccessToken
	c.tokenExp = c.now().Add(time.Hour)
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err == nil && claims.ExpiresAt != nil {
		c.tokenExp = claims.ExpiresAt.Time
	}
	return nil
}

func (c *Client) ensureAuth(ctx context.Context, force bool) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if force || c.token == "" || c.now().Add(tokenRefreshMargin).After(c.tokenExp) {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// do выполняет авторизованный запрос. Ответ 401 приводит к одной повторной
// авторизации и одному повтору запроса.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.ensureAuth(ctx, attempt > 0)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		err = c.send(req, out)
		var se *statusError
		if attempt == 0 && errors.As(err, &se) && se.status == http.StatusUnauthorized {
			c.log.Info("panel session rejected, re-authenticating", slog.String("path", path))
			continue
		}
		return err
	}
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	if resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode, body: string(data)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", models.ErrTransport, se)
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode: %v", models.ErrTransport, err)
	}
	return nil
}

type panelNode struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
	IsConnected bool   `json:"isConnected"`
	IsDisabled  bool   `json:"isDisabled"`
	UsersOnline int    `json:"usersOnline"`
	UsersLimit  int    `json:"usersLimit"`
}

func (n panelNode) toModel() models.Node {
	health := models.NodeHealthy
	switch {
	case !n.IsConnected:
		health = models.NodeUnreachable
	case n.IsDisabled:
		health = models.NodeDegraded
	}
	return models.Node{
		ID: n.UUID, Name: n.Name, Pool: n.CountryCode,
		Load: n.UsersOnline, Capacity: n.UsersLimit, Health: health,
	}
}

// RefreshNodes загружает список узлов, обновляет кэш и сохраняет его в журнал.
// При ошибке кэш остаётся прежним.
func (c *Client) RefreshNodes(ctx context.Context) ([]models.Node, error) {
	const op = "vpnpanel.RefreshNodes"

	var result apiResponse[[]panelNode]
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	seenAt := c.now()
	nodes := make([]models.Node, 0, len(result.Response))
	healthy := 0
	for _, n := range result.Response {
		node := n.toModel()
		node.LastSeenAt = seenAt
		if node.Healthy() {
			healthy++
		}
		nodes = append(nodes, node)
	}

	c.nodesMu.Lock()
	c.nodes = nodes
	c.refreshed = seenAt
	c.nodesMu.Unlock()
	metrics.NodesHealthy.Set(float64(healthy))

	if c.store != nil {
		if err := c.store.UpsertNodes(ctx, nodes, seenAt); err != nil {
			c.log.Warn("failed to persist node list", sl.Err(err))
		}
	}
	return nodes, nil
}

// CachedNodes возвращает копию последнего полученного списка узлов.
func (c *Client) CachedNodes() ([]models.Node, time.Time) {
	c.nodesMu.RLock()
	defer c.nodesMu.RUnlock()

	nodes := make([]models.Node, len(c.nodes))
	copy(nodes, c.nodes)
	return nodes, c.refreshed
}

// chooseNode оставляет пользователя на предпочтительном узле, если тот ещё
// пригоден, иначе выбирает наименее загруженный здоровый узел из пулов тарифа.
func chooseNode(nodes []models.Node, tariff models.Tariff, preferred string) (models.Node, bool) {
	var best models.Node
	found := false
	for _, n := range nodes {
		if !n.Healthy() || !tariff.AllowsPool(n.Pool) {
			continue
		}
		if n.ID == preferred {
			return n, true
		}
		if !found || n.Load < best.Load || (n.Load == best.Load && n.Name < best.Name) {
			best, found = n, true
		}
	}
	return best, found
}

type panelUser struct {
	UUID            string    `json:"uuid"`
	Username        string    `json:"username"`
	Status          string    `json:"status"`
	ExpireAt        time.Time `json:"expireAt"`
	SubscriptionURL string    `json:"subscriptionUrl"`
	ActiveNodes     []string  `json:"activeNodeUuids"`
}

func (c *Client) findUser(ctx context.Context, username string) (*panelUser, error) {
	var result apiResponse[panelUser]
	err := c.do(ctx, http.MethodGet, "/api/users/by-username/"+url.PathEscape(username), nil, &result)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result.Response, nil
}

// GrantAccess создаёт или продлевает пользователя панели до ExpiresAt на выбранном узле.
func (c *Client) GrantAccess(ctx context.Context, req models.AccessRequest) (models.NodeAssignment, error) {
	const op = "vpnpanel.GrantAccess"

	// Кэш обновляет только задача nodes, выдача доступа на ней не блокируется.
	nodes, refreshed := c.CachedNodes()
	if len(nodes) == 0 {
		metrics.ProvisioningTotal.WithLabelValues("grant", metrics.ResultRejected).Inc()
		return models.NodeAssignment{}, fmt.Errorf("%s: %w: node list not loaded", op, models.ErrProvision)
	}
	if age := c.now().Sub(refreshed); age > c.cfg.NodeStaleAfter {
		c.log.Warn("node list is stale, using last good cache", slog.Duration("age", age), slog.Int("cached", len(nodes)))
	}
	node, ok := chooseNode(nodes, req.Tariff, req.PreferredNodeID)
	if !ok {
		metrics.ProvisioningTotal.WithLabelValues("grant", metrics.ResultRejected).Inc()
		return models.NodeAssignment{}, fmt.Errorf("%s: %w: no healthy node for tariff %d", op, models.ErrProvision, req.Tariff.ID)
	}

	username := req.User.PanelUsername()
	existing, err := c.findUser(ctx, username)
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("grant", metrics.ResultError).Inc()
		return models.NodeAssignment{}, fmt.Errorf("%s: %w", op, err)
	}

	body := map[string]any{
		"status":          "ACTIVE",
		"expireAt":        req.ExpiresAt.UTC().Format(time.RFC3339),
		"activeNodeUuids": []string{node.ID},
	}
	var result apiResponse[panelUser]
	if existing == nil {
		body["username"] = username
		err = c.do(ctx, http.MethodPost, "/api/users", body, &result)
	} else {
		body["uuid"] = existing.UUID
		err = c.do(ctx, http.MethodPatch, "/api/users", body, &result)
	}
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("grant", metrics.ResultError).Inc()
		return models.NodeAssignment{}, fmt.Errorf("%s: %w", op, err)
	}

	metrics.ProvisioningTotal.WithLabelValues("grant", metrics.ResultOK).Inc()
	return models.NodeAssignment{NodeID: node.ID, AccessURL: result.Response.SubscriptionURL}, nil
}

// RevokeAccess удаляет пользователя панели. Отсутствующий пользователь считается уже отозванным.
func (c *Client) RevokeAccess(ctx context.Context, user models.User) error {
	const op = "vpnpanel.RevokeAccess"

	existing, err := c.findUser(ctx, user.PanelUsername())
	if err == nil && existing != nil {
		err = c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(existing.UUID), nil, nil)
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			err = nil
		}
	}
	if err != nil {
		metrics.ProvisioningTotal.WithLabelValues("revoke", metrics.ResultError).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.ProvisioningTotal.WithLabelValues("revoke", metrics.ResultOK).Inc()
	return nil
}
