package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"autopost-engine/internal/models"
)

const accountColumns = `id, username, status, proxy_id, last_used, created_at, updated_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	var proxyID pgtype.Text
	var lastUsed pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.Username, &a.Status, &proxyID, &lastUsed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Account{}, err
	}
	a.ProxyID = textPtr(proxyID)
	a.LastUsed = tsPtr(lastUsed)
	return a, nil
}

// CreateAccount inserts an account in active status.
func (s *Store) CreateAccount(ctx context.Context, username string, proxyID *string) (models.Account, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, username, status, proxy_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, username, models.AccountActive, proxyID, now)
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return models.Account{ID: id, Username: username, Status: models.AccountActive, ProxyID: proxyID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account not found: %w", err)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// ListActiveAccounts returns active accounts ordered by id for stable
// round-robin pairing.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE status = $1 ORDER BY id
	`, models.AccountActive)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListAccountsByIDs fetches the given accounts, ordered by id.
func (s *Store) ListAccountsByIDs(ctx context.Context, ids []string) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query accounts by ids: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]models.Account, error) {
	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountStatus updates the account status.
func (s *Store) SetAccountStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// TouchAccountLastUsed stamps the account after a successful upload.
func (s *Store) TouchAccountLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET last_used = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

const proxyColumns = `id, host, port, username, password, status, latency_ms, last_checked, created_at, updated_at`

func scanProxy(row pgx.Row) (models.Proxy, error) {
	var p models.Proxy
	var username, password pgtype.Text
	var latency pgtype.Int4
	var lastChecked pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.Host, &p.Port, &username, &password, &p.Status, &latency, &lastChecked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Proxy{}, err
	}
	p.Username = textPtr(username)
	p.Password = textPtr(password)
	p.LatencyMS = int4Ptr(latency)
	p.LastChecked = tsPtr(lastChecked)
	return p, nil
}

// CreateProxy inserts a proxy in active status.
func (s *Store) CreateProxy(ctx context.Context, host string, port int, username, password *string) (models.Proxy, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (id, host, port, username, password, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, host, port, username, password, models.ProxyActive, now)
	if err != nil {
		return models.Proxy{}, fmt.Errorf("insert proxy: %w", err)
	}
	return models.Proxy{ID: id, Host: host, Port: port, Username: username, Password: password, Status: models.ProxyActive, CreatedAt: now, UpdatedAt: now}, nil
}

// GetProxy fetches a proxy by id.
func (s *Store) GetProxy(ctx context.Context, id string) (models.Proxy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id)
	p, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Proxy{}, fmt.Errorf("proxy not found: %w", err)
	}
	if err != nil {
		return models.Proxy{}, fmt.Errorf("scan proxy: %w", err)
	}
	return p, nil
}

// ListProxies returns every proxy ordered by id.
func (s *Store) ListProxies(ctx context.Context) ([]models.Proxy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var out []models.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordProxyCheck writes a health-check result.
func (s *Store) RecordProxyCheck(ctx context.Context, id, status string, latencyMS *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE proxies SET status = $2, latency_ms = $3, last_checked = NOW(), updated_at = NOW() WHERE id = $1
	`, id, status, latencyMS)
	return err
}
