package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/loamtrace/elt/internal/crypto"
	"github.com/loamtrace/elt/internal/store"
)

// ─── OAuth Token CRUD ───

func (s *SQL) StoreToken(ctx context.Context, tok store.OAuthToken) error {
	now := time.Now().UTC()

	scopes, err := json.Marshal(tok.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	query, args, err := s.goqu.Insert(s.tableOAuthTokens).Rows(goqu.Record{
		"source_connection_id": tok.SourceConnectionID,
		"access_token":         tok.AccessToken,
		"refresh_token":        tok.RefreshToken,
		"expires_at":           tok.ExpiresAt,
		"token_type":           tok.TokenType,
		"scopes":               string(scopes),
		"created_at":           now,
		"updated_at":           now,
	}).OnConflict(goqu.DoUpdate("source_connection_id", goqu.Record{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"expires_at":    tok.ExpiresAt,
		"token_type":    tok.TokenType,
		"scopes":        string(scopes),
		"updated_at":    now,
	})).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build store token: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *SQL) GetToken(ctx context.Context, sourceConnectionID string) (store.OAuthToken, error) {
	query, args, err := s.goqu.From(s.tableOAuthTokens).
		Select("source_connection_id", "access_token", "refresh_token", "expires_at", "token_type", "scopes", "updated_at").
		Where(goqu.C("source_connection_id").Eq(sourceConnectionID)).
		Prepared(true).ToSQL()
	if err != nil {
		return store.OAuthToken{}, fmt.Errorf("build get token: %w", err)
	}

	var tok store.OAuthToken
	var expiresAt sql.NullTime
	var scopes string
	row := s.execer.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&tok.SourceConnectionID, &tok.AccessToken, &tok.RefreshToken, &expiresAt, &tok.TokenType, &scopes, &tok.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.OAuthToken{}, store.ErrNotFound
		}
		return store.OAuthToken{}, fmt.Errorf("get token: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		tok.ExpiresAt = &t
	}
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &tok.Scopes); err != nil {
			return store.OAuthToken{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	return tok, nil
}

func (s *SQL) DeleteToken(ctx context.Context, sourceConnectionID string) error {
	query, args, err := s.goqu.Delete(s.tableOAuthTokens).
		Where(goqu.C("source_connection_id").Eq(sourceConnectionID)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete token: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// RotateEncryptionKey decrypts every token row with the current key and
// re-encrypts it with newKey inside a single transaction, then swaps the
// in-memory key. A nil newKey leaves rows as plaintext.
func (s *SQL) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	oldKey := s.currentEncKey()

	err := s.WithTx(ctx, func(tx store.Store) error {
		txs := tx.(*SQL)

		query, _, err := txs.goqu.From(txs.tableOAuthTokens).
			Select("source_connection_id", "access_token", "refresh_token").ToSQL()
		if err != nil {
			return fmt.Errorf("build list tokens: %w", err)
		}

		rows, err := txs.execer.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("list tokens: %w", err)
		}

		type rotated struct {
			id             string
			access, refresh string
		}
		var pending []rotated

		for rows.Next() {
			var id, access, refresh string
			if err := rows.Scan(&id, &access, &refresh); err != nil {
				rows.Close()
				return fmt.Errorf("scan token: %w", err)
			}

			plain, err := crypto.DecryptOAuthToken(crypto.OAuthToken{AccessToken: access, RefreshToken: refresh}, oldKey)
			if err != nil {
				rows.Close()
				return fmt.Errorf("decrypt token for %s: %w", id, err)
			}
			enc, err := crypto.EncryptOAuthToken(plain, newKey)
			if err != nil {
				rows.Close()
				return fmt.Errorf("re-encrypt token for %s: %w", id, err)
			}
			pending = append(pending, rotated{id: id, access: enc.AccessToken, refresh: enc.RefreshToken})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, p := range pending {
			query, args, err := txs.goqu.Update(txs.tableOAuthTokens).Set(goqu.Record{
				"access_token":  p.access,
				"refresh_token": p.refresh,
				"updated_at":    time.Now().UTC(),
			}).Where(goqu.C("source_connection_id").Eq(p.id)).Prepared(true).ToSQL()
			if err != nil {
				return fmt.Errorf("build update token: %w", err)
			}
			if _, err := txs.execer.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("update token for %s: %w", p.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.SetEncryptionKey(newKey)
	return nil
}

// ─── Device Token CRUD ───

func (s *SQL) CreateDeviceToken(ctx context.Context, t store.DeviceToken) (store.DeviceToken, error) {
	t.CreatedAt = time.Now().UTC()

	query, args, err := s.goqu.Insert(s.tableDeviceTokens).Rows(goqu.Record{
		"id":                   t.ID,
		"source_connection_id": t.SourceConnectionID,
		"device_id":            t.DeviceID,
		"name":                 t.Name,
		"token_prefix":         t.TokenPrefix,
		"token_hash":           t.TokenHash,
		"created_at":           t.CreatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return store.DeviceToken{}, fmt.Errorf("build create device token: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return store.DeviceToken{}, fmt.Errorf("create device token: %w", err)
	}
	return t, nil
}

func (s *SQL) GetDeviceTokenByHash(ctx context.Context, hash string) (store.DeviceToken, error) {
	query, args, err := s.goqu.From(s.tableDeviceTokens).
		Select("id", "source_connection_id", "device_id", "name", "token_prefix", "token_hash", "created_at", "last_used_at").
		Where(goqu.C("token_hash").Eq(hash)).
		Prepared(true).ToSQL()
	if err != nil {
		return store.DeviceToken{}, fmt.Errorf("build get device token: %w", err)
	}

	var t store.DeviceToken
	var lastUsed sql.NullTime
	row := s.execer.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&t.ID, &t.SourceConnectionID, &t.DeviceID, &t.Name, &t.TokenPrefix, &t.TokenHash, &t.CreatedAt, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.DeviceToken{}, store.ErrNotFound
		}
		return store.DeviceToken{}, fmt.Errorf("get device token: %w", err)
	}
	if lastUsed.Valid {
		t2 := lastUsed.Time
		t.LastUsedAt = &t2
	}
	return t, nil
}

func (s *SQL) DeleteDeviceToken(ctx context.Context, id string) error {
	query, args, err := s.goqu.Delete(s.tableDeviceTokens).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete device token: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete device token: %w", err)
	}
	return nil
}
