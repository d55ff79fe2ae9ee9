package repo

const schemaVersion = 2

// dialect holds the statements that differ between SQLite and MySQL.
type dialect struct {
	schema          []string
	insertIgnore    string
	upsertBlock     string
	upsertState     string
	selectSpaceIDs  string
	selectTargetIDs string
}

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS seen_events (
  event_id   TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  room_id    TEXT NOT NULL,
  sender     TEXT,
  timestamp  INTEGER NOT NULL,
  created_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_seen_events_room ON seen_events(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_seen_events_timestamp ON seen_events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS invite_history (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id      TEXT NOT NULL,
  room_id      TEXT NOT NULL,
  source       TEXT NOT NULL,
  result       TEXT NOT NULL,
  error_detail TEXT,
  created_at   INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_invite_history_user ON invite_history(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invite_history_room ON invite_history(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invite_history_created ON invite_history(created_at)`,
		`CREATE TABLE IF NOT EXISTS bot_state (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS autoinvite_rules (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  space_room_id  TEXT NOT NULL,
  target_room_id TEXT NOT NULL,
  added_by       TEXT,
  created_at     INTEGER NOT NULL,
  UNIQUE(space_room_id, target_room_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_autoinvite_space ON autoinvite_rules(space_room_id)`,
		`CREATE TABLE IF NOT EXISTS user_blocks (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id    TEXT NOT NULL,
  room_id    TEXT NOT NULL,
  reason     TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(user_id, room_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_user_blocks_room ON user_blocks(room_id)`,
	},
	insertIgnore: "INSERT OR IGNORE",
	upsertBlock: `
INSERT INTO user_blocks (user_id, room_id, reason, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, room_id) DO UPDATE SET reason=excluded.reason, created_at=excluded.created_at`,
	upsertState: `
INSERT INTO bot_state (key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
	selectSpaceIDs: `
SELECT space_room_id FROM autoinvite_rules
GROUP BY space_room_id
ORDER BY MIN(id) ASC`,
	selectTargetIDs: `
SELECT target_room_id FROM autoinvite_rules
GROUP BY target_room_id
ORDER BY MIN(id) ASC`,
}

var mysqlDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS seen_events (
  event_id   VARCHAR(255) NOT NULL PRIMARY KEY,
  event_type VARCHAR(32)  NOT NULL,
  room_id    VARCHAR(255) NOT NULL,
  sender     VARCHAR(255) NULL,
  timestamp  BIGINT       NOT NULL,
  created_at BIGINT       NOT NULL,
  KEY idx_seen_events_room (room_id),
  KEY idx_seen_events_timestamp (timestamp)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS invite_history (
  id           BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
  user_id      VARCHAR(255) NOT NULL,
  room_id      VARCHAR(255) NOT NULL,
  source       VARCHAR(255) NOT NULL,
  result       VARCHAR(32)  NOT NULL,
  error_detail TEXT         NULL,
  created_at   BIGINT       NOT NULL,
  KEY idx_invite_history_user (user_id),
  KEY idx_invite_history_room (room_id),
  KEY idx_invite_history_created (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		"CREATE TABLE IF NOT EXISTS bot_state (\n  `key`      VARCHAR(191) NOT NULL PRIMARY KEY,\n  value      TEXT         NOT NULL,\n  updated_at BIGINT       NOT NULL\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		`CREATE TABLE IF NOT EXISTS autoinvite_rules (
  id             BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
  space_room_id  VARCHAR(255) NOT NULL,
  target_room_id VARCHAR(255) NOT NULL,
  added_by       VARCHAR(255) NULL,
  created_at     BIGINT       NOT NULL,
  UNIQUE KEY uk_autoinvite_pair (space_room_id, target_room_id),
  KEY idx_autoinvite_space (space_room_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS user_blocks (
  id         BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
  user_id    VARCHAR(255) NOT NULL,
  room_id    VARCHAR(255) NOT NULL,
  reason     VARCHAR(64)  NOT NULL,
  created_at BIGINT       NOT NULL,
  UNIQUE KEY uk_user_blocks_pair (user_id, room_id),
  KEY idx_user_blocks_room (room_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	insertIgnore: "INSERT IGNORE",
	upsertBlock: `
INSERT INTO user_blocks (user_id, room_id, reason, created_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE reason=VALUES(reason), created_at=VALUES(created_at)`,
	upsertState: "\nINSERT INTO bot_state (`key`, value, updated_at)\nVALUES (?, ?, ?)\nON DUPLICATE KEY UPDATE value=VALUES(value), updated_at=VALUES(updated_at)",
	selectSpaceIDs:  sqliteDialect.selectSpaceIDs,
	selectTargetIDs: sqliteDialect.selectTargetIDs,
}
