package db

// Settings keys read by the federation core.
const (
	SettingFederationMode          = "ap_federation_mode" // blocklist | allowlist
	SettingDomainBlocklist         = "ap_domain_blocklist"
	SettingDomainAllowlist         = "ap_domain_allowlist"
	SettingBlocklistAuditURL       = "ap_blocklist_audit_url"
	SettingSitePublicKey           = "ap_site_public_key"
	SettingSitePrivateKeyEncrypted = "ap_site_private_key_encrypted"
)

// GetSetting retrieves a value by key. Returns ("", false) if not set.
func (s *Store) GetSetting(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(s.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetSetting upserts a key-value pair.
func (s *Store) SetSetting(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}
