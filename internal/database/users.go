package database

import (
	"database/sql"
	"fmt"

	"lnmarkets-alert-bot/internal/types"
)

// EnsureUser registers a chat on first contact and keeps the username
// current afterwards.
func EnsureUser(chatID int64, username string) error {
	query := `
	INSERT INTO users (chat_id, username) VALUES (?, ?)
	ON CONFLICT(chat_id) DO UPDATE SET username = excluded.username, updated_at = unixepoch();`

	if _, err := DB.Exec(query, chatID, username); err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", chatID, err)
	}
	return nil
}

// SetCredentials seals and stores an API credential triple for a user.
func SetCredentials(chatID int64, creds types.Credentials) error {
	key, err := sealer.Seal(creds.Key)
	if err != nil {
		return fmt.Errorf("failed to seal api key: %w", err)
	}
	secret, err := sealer.Seal(creds.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal api secret: %w", err)
	}
	passphrase, err := sealer.Seal(creds.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to seal passphrase: %w", err)
	}

	query := `
	UPDATE users SET api_key = ?, api_secret = ?, passphrase = ?, updated_at = unixepoch()
	WHERE chat_id = ?;`
	if _, err := DB.Exec(query, key, secret, passphrase, chatID); err != nil {
		return fmt.Errorf("failed to store credentials for user %d: %w", chatID, err)
	}
	return nil
}

// ClearCredentials removes a user's stored credentials. Their private
// alerts stay stored but become inert.
func ClearCredentials(chatID int64) error {
	query := `
	UPDATE users SET api_key = NULL, api_secret = NULL, passphrase = NULL, updated_at = unixepoch()
	WHERE chat_id = ?;`
	if _, err := DB.Exec(query, chatID); err != nil {
		return fmt.Errorf("failed to clear credentials for user %d: %w", chatID, err)
	}
	return nil
}

// GetUser fetches a user with decrypted credentials, if present.
func GetUser(chatID int64) (*types.User, error) {
	query := `SELECT chat_id, username, api_key, api_secret, passphrase FROM users WHERE chat_id = ?;`

	row := DB.QueryRow(query, chatID)
	user, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query user %d: %w", chatID, err)
	}
	return user, nil
}

// UsersWithCredentials returns all users eligible for private alerts.
func UsersWithCredentials() ([]types.User, error) {
	query := `
	SELECT chat_id, username, api_key, api_secret, passphrase
	FROM users WHERE api_key IS NOT NULL;`

	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users with credentials: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		user, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func scanUser(scan func(dest ...interface{}) error) (*types.User, error) {
	var (
		user                types.User
		username            sql.NullString
		key, secret, phrase sql.NullString
	)
	if err := scan(&user.ChatID, &username, &key, &secret, &phrase); err != nil {
		return nil, err
	}
	user.Username = username.String

	if key.Valid && secret.Valid && phrase.Valid {
		k, err := sealer.Open(key.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal api key: %w", err)
		}
		s, err := sealer.Open(secret.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal api secret: %w", err)
		}
		p, err := sealer.Open(phrase.String)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal passphrase: %w", err)
		}
		user.Credentials = &types.Credentials{Key: k, Secret: s, Passphrase: p}
	}
	return &user, nil
}
