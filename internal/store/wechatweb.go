package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- signed-in web channel tables ---

// UpsertWechatAccount inserts or refreshes an account by fingerprint and
// returns its ID.
func (s *Store) UpsertWechatAccount(acc model.WechatAccount) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO wechat_accounts (fingerprint, nickname, last_login_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			nickname         = excluded.nickname,
			last_login_at_ns = excluded.last_login_at_ns
	`, acc.Fingerprint, acc.Nickname, acc.LastLoginAtNs)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRow(
		"SELECT id FROM wechat_accounts WHERE fingerprint = ?", acc.Fingerprint).Scan(&id); err != nil {
		return 0, fmt.Errorf("reload wechat_account: %w", err)
	}
	return id, nil
}

// GetWechatAccountByFingerprint loads one account. Returns nil if not found.
func (s *Store) GetWechatAccountByFingerprint(fingerprint string) (*model.WechatAccount, error) {
	row := s.db.QueryRow(
		"SELECT id, fingerprint, nickname, last_login_at_ns FROM wechat_accounts WHERE fingerprint = ?",
		fingerprint)
	var acc model.WechatAccount
	err := row.Scan(&acc.ID, &acc.Fingerprint, &acc.Nickname, &acc.LastLoginAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan wechat_account: %w", err)
	}
	return &acc, nil
}

// UpsertWechatSyncState stores the incremental sync cursor for an account.
func (s *Store) UpsertWechatSyncState(st model.WechatSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO wechat_sync_states (account_id, sync_key_json, synced_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			sync_key_json = excluded.sync_key_json,
			synced_at_ns  = excluded.synced_at_ns
	`, st.AccountID, st.SyncKeyJSON, st.SyncedAtNs)
	return err
}

// GetWechatSyncState loads the sync cursor for an account. Returns nil if
// not found.
func (s *Store) GetWechatSyncState(accountID int64) (*model.WechatSyncState, error) {
	row := s.db.QueryRow(
		"SELECT account_id, sync_key_json, synced_at_ns FROM wechat_sync_states WHERE account_id = ?",
		accountID)
	var st model.WechatSyncState
	err := row.Scan(&st.AccountID, &st.SyncKeyJSON, &st.SyncedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan wechat_sync_state: %w", err)
	}
	return &st, nil
}

// UpsertOfficialAccount inserts or refreshes a channel sender observed on
// one account.
func (s *Store) UpsertOfficialAccount(oa model.OfficialAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO official_accounts (account_id, user_name, nickname)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, user_name) DO UPDATE SET
			nickname = excluded.nickname
	`, oa.AccountID, oa.UserName, oa.Nickname)
	return err
}

// ListOfficialAccounts returns all channel senders observed on one account.
func (s *Store) ListOfficialAccounts(accountID int64) ([]model.OfficialAccount, error) {
	rows, err := s.db.Query(
		"SELECT id, account_id, user_name, nickname FROM official_accounts WHERE account_id = ? ORDER BY id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.OfficialAccount
	for rows.Next() {
		var oa model.OfficialAccount
		if err := rows.Scan(&oa.ID, &oa.AccountID, &oa.UserName, &oa.Nickname); err != nil {
			return nil, err
		}
		result = append(result, oa)
	}
	return result, rows.Err()
}

// InsertInboundMessage stores one captured inbox link, ignoring duplicates.
// Reports whether a new row was written.
func (s *Store) InsertInboundMessage(m model.InboundMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO inbound_messages (account_id, user_name, msg_id, title, url, msg_time_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.AccountID, m.UserName, m.MsgID, m.Title, m.URL, m.MsgTimeNs)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListInboundMessagesSince returns one sender's captured links at or after
// sinceNs, oldest first.
func (s *Store) ListInboundMessagesSince(accountID int64, userName string, sinceNs int64) ([]model.InboundMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, user_name, msg_id, title, url, msg_time_ns
		FROM inbound_messages
		WHERE account_id = ? AND user_name = ? AND msg_time_ns >= ?
		ORDER BY msg_time_ns, id
	`, accountID, userName, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.InboundMessage
	for rows.Next() {
		var m model.InboundMessage
		if err := rows.Scan(&m.ID, &m.AccountID, &m.UserName, &m.MsgID, &m.Title,
			&m.URL, &m.MsgTimeNs); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// UpsertBinding stores the subscription-to-sender match outcome.
func (s *Store) UpsertBinding(b model.SubscriptionBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO subscription_bindings (subscription_id, user_name, status, score, bound_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			user_name   = excluded.user_name,
			status      = excluded.status,
			score       = excluded.score,
			bound_at_ns = excluded.bound_at_ns
	`, b.SubscriptionID, b.UserName, b.Status, b.Score, b.BoundAtNs)
	return err
}

// GetBinding loads the binding for one subscription. Returns nil if not found.
func (s *Store) GetBinding(subscriptionID int64) (*model.SubscriptionBinding, error) {
	row := s.db.QueryRow(
		"SELECT subscription_id, user_name, status, score, bound_at_ns FROM subscription_bindings WHERE subscription_id = ?",
		subscriptionID)
	var b model.SubscriptionBinding
	err := row.Scan(&b.SubscriptionID, &b.UserName, &b.Status, &b.Score, &b.BoundAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription_binding: %w", err)
	}
	return &b, nil
}
