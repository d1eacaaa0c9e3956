package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260815094512",
		up:      mig_20260815094512_api_keys_up,
		down:    mig_20260815094512_api_keys_down,
	})
}

func mig_20260815094512_api_keys_up(tx *sqlx.Tx) error {
	// Keys are two-part: a public key_id for lookup and a bcrypt hash of the
	// secret half. The secret itself is never stored.
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL,
			key_id VARCHAR(64) NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			last_used_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_api_keys_key_id ON api_keys(key_id);
	`)
	return err
}

func mig_20260815094512_api_keys_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS api_keys CASCADE;`)
	return err
}
