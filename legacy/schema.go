package legacy

// schema creates the classic tables. Timestamps are unix seconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tapir_users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL UNIQUE,
		joined_date INTEGER NOT NULL,
		joined_ip_num TEXT NOT NULL DEFAULT '',
		flag_approved INTEGER NOT NULL DEFAULT 1,
		flag_banned INTEGER NOT NULL DEFAULT 0,
		flag_deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tapir_nicknames (
		nick_id INTEGER PRIMARY KEY AUTOINCREMENT,
		nickname TEXT NOT NULL UNIQUE,
		user_id INTEGER NOT NULL REFERENCES tapir_users(user_id) ON DELETE CASCADE,
		flag_valid INTEGER NOT NULL DEFAULT 1,
		flag_primary INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS tapir_users_password (
		user_id INTEGER PRIMARY KEY REFERENCES tapir_users(user_id) ON DELETE CASCADE,
		password_storage INTEGER NOT NULL DEFAULT 2,
		password_enc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tapir_sessions (
		session_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES tapir_users(user_id) ON DELETE CASCADE,
		last_reissue INTEGER NOT NULL DEFAULT 0,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL DEFAULT 0,
		ip_num TEXT NOT NULL DEFAULT '',
		remote_host TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tapir_sessions_user ON tapir_sessions(user_id)`,
}
