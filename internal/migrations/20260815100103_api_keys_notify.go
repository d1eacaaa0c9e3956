package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260815100103",
		up:      mig_20260815100103_api_keys_notify_up,
		down:    mig_20260815100103_api_keys_notify_down,
	})
}

func mig_20260815100103_api_keys_notify_up(tx *sqlx.Tx) error {
	// Generic notify function so other tables can reuse the same channel.
	_, err := tx.Exec(`
		CREATE OR REPLACE FUNCTION notify_config_change()
		RETURNS TRIGGER AS $$
		DECLARE
			payload TEXT;
		BEGIN
			payload := TG_TABLE_NAME || ':' || TG_OP;
			PERFORM pg_notify('config_changes', payload);
			RETURN COALESCE(NEW, OLD);
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TRIGGER api_keys_notify
		AFTER INSERT OR UPDATE OR DELETE ON api_keys
		FOR EACH ROW EXECUTE FUNCTION notify_config_change();
	`)
	return err
}

func mig_20260815100103_api_keys_notify_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TRIGGER IF EXISTS api_keys_notify ON api_keys;`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`DROP FUNCTION IF EXISTS notify_config_change();`)
	return err
}
