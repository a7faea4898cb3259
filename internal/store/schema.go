package store

// Schema creates every table used by the bridge, including the audit log.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id          BIGSERIAL PRIMARY KEY,
	idnumber    TEXT NOT NULL DEFAULT '',
	username    TEXT NOT NULL,
	auth_method TEXT NOT NULL,
	host_id     INTEGER NOT NULL DEFAULT 1,
	firstname   TEXT NOT NULL DEFAULT '',
	lastname    TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	city        TEXT NOT NULL DEFAULT '',
	country     VARCHAR(2) NOT NULL DEFAULT '',
	lang        VARCHAR(30) NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	institution TEXT NOT NULL DEFAULT '',
	department  TEXT NOT NULL DEFAULT '',
	phone1      TEXT NOT NULL DEFAULT '',
	phone2      TEXT NOT NULL DEFAULT '',
	address     TEXT NOT NULL DEFAULT '',
	confirmed   BOOLEAN NOT NULL DEFAULT FALSE,
	suspended   BOOLEAN NOT NULL DEFAULT FALSE,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	modified    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (host_id, username)
);
CREATE INDEX IF NOT EXISTS users_idnumber_idx ON users (host_id, idnumber);

CREATE TABLE IF NOT EXISTS custom_fields (
	id        BIGSERIAL PRIMARY KEY,
	shortname TEXT NOT NULL UNIQUE,
	name      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS custom_field_values (
	id       BIGSERIAL PRIMARY KEY,
	user_id  BIGINT NOT NULL REFERENCES users (id),
	field_id BIGINT NOT NULL REFERENCES custom_fields (id),
	data     TEXT NOT NULL DEFAULT '',
	UNIQUE (user_id, field_id)
);

CREATE TABLE IF NOT EXISTS groups (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	idnumber    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	component   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS groups_component_idx ON groups (component, name);

CREATE TABLE IF NOT EXISTS group_members (
	group_id BIGINT NOT NULL REFERENCES groups (id),
	user_id  BIGINT NOT NULL REFERENCES users (id),
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	run_id        TEXT NOT NULL DEFAULT '',
	actor_type    TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT,
	resource_name TEXT,
	details       JSONB,
	outcome       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_timestamp_idx ON audit_logs (timestamp DESC);
`
