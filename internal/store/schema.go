package store

// schemaVersion is the database schema version recorded on open.
const schemaVersion = "2.1.0"

// schema contains the complete DDL for the node database.
const schema = `
-- Swarms this node belongs to. master is a plain agent_id, never a row
-- reference into swarm_members.
CREATE TABLE IF NOT EXISTS swarms (
    swarm_id            TEXT PRIMARY KEY,
    name                TEXT NOT NULL CHECK (length(name) BETWEEN 1 AND 256),
    master              TEXT NOT NULL,
    created_at          TEXT NOT NULL,
    joined_at           TEXT NOT NULL,
    allow_member_invite INTEGER NOT NULL DEFAULT 0,
    require_approval    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS swarm_members (
    swarm_id   TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    endpoint   TEXT NOT NULL,
    public_key TEXT NOT NULL,
    joined_at  TEXT NOT NULL,
    PRIMARY KEY (swarm_id, agent_id),
    FOREIGN KEY (swarm_id) REFERENCES swarms(swarm_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_members_swarm ON swarm_members(swarm_id, joined_at);

CREATE TABLE IF NOT EXISTS muted_agents (
    agent_id   TEXT PRIMARY KEY,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS muted_swarms (
    swarm_id   TEXT PRIMARY KEY,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Cached peer public keys with fetch time for TTL enforcement.
CREATE TABLE IF NOT EXISTS public_keys (
    agent_id   TEXT PRIMARY KEY,
    public_key TEXT NOT NULL,
    endpoint   TEXT NOT NULL DEFAULT '',
    fetched_at TEXT NOT NULL
);

-- Invite tokens issued by this node as master, keyed by SHA-256 of the JWT.
-- max_uses = 0 means unlimited.
CREATE TABLE IF NOT EXISTS issued_tokens (
    token_hash TEXT PRIMARY KEY,
    swarm_id   TEXT NOT NULL,
    max_uses   INTEGER NOT NULL DEFAULT 0,
    uses       INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    expires_at TEXT,
    revoked    INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (swarm_id) REFERENCES swarms(swarm_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tokens_swarm ON issued_tokens(swarm_id);

-- Join requests awaiting a master decision when require_approval is set.
CREATE TABLE IF NOT EXISTS pending_joins (
    swarm_id     TEXT NOT NULL,
    agent_id     TEXT NOT NULL,
    endpoint     TEXT NOT NULL,
    public_key   TEXT NOT NULL,
    token_hash   TEXT NOT NULL,
    requested_at TEXT NOT NULL,
    PRIMARY KEY (swarm_id, agent_id),
    FOREIGN KEY (swarm_id) REFERENCES swarms(swarm_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS inbox (
    message_id   TEXT PRIMARY KEY,
    swarm_id     TEXT NOT NULL,
    sender_id    TEXT NOT NULL,
    recipient_id TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL,
    content      TEXT NOT NULL,
    received_at  TEXT NOT NULL,
    read_at      TEXT,
    archived_at  TEXT,
    deleted_at   TEXT,
    status       TEXT NOT NULL DEFAULT 'unread'
                 CHECK (status IN ('unread', 'read', 'archived', 'deleted'))
);
CREATE INDEX IF NOT EXISTS idx_inbox_swarm_status ON inbox(swarm_id, status);
CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbox(received_at);

CREATE TABLE IF NOT EXISTS outbox (
    message_id   TEXT PRIMARY KEY,
    swarm_id     TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    message_type TEXT NOT NULL,
    content      TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    delivered_at TEXT,
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'queued'
                 CHECK (status IN ('queued', 'delivered', 'failed'))
);
CREATE INDEX IF NOT EXISTS idx_outbox_swarm_status ON outbox(swarm_id, status);

-- External agent runtime sessions per (swarm, peer) for resume continuity.
CREATE TABLE IF NOT EXISTS sdk_sessions (
    swarm_id    TEXT NOT NULL,
    peer_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    last_active TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT 'active',
    PRIMARY KEY (swarm_id, peer_id)
);

CREATE TABLE IF NOT EXISTS schema_versions (
    version    TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`
