// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements for the PDS database. It is
// applied on startup; every statement is idempotent.
const Schema = `
-- accounts: User accounts hosted by this PDS.
--
-- Statuses:
--   active    — normal operation, fully functional.
--   suspended — can still post locally but will not sync to relays.
--   disabled  — data preserved but cannot create new posts.
--   removed   — row kept as tombstone; all associated data is deleted.
CREATE TABLE IF NOT EXISTS accounts (
    id          SERIAL PRIMARY KEY,
    did         VARCHAR(255) UNIQUE NOT NULL,
    handle      VARCHAR(253) UNIQUE NOT NULL,
    email       VARCHAR(255),
    password    VARCHAR(255) NOT NULL,
    signing_key VARCHAR(255),
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

-- repo_blocks: Content-addressed blocks scoped per account.
-- Stores MST nodes, record data, and commit objects as CBOR bytes.
CREATE TABLE IF NOT EXISTS repo_blocks (
    did   VARCHAR(255) NOT NULL,
    cid   VARCHAR(255) NOT NULL,
    data  BYTEA NOT NULL,
    PRIMARY KEY (did, cid)
);

-- repo_roots: Current commit head per account repository. Root swaps
-- are compare-and-set against (commit_cid, rev).
CREATE TABLE IF NOT EXISTS repo_roots (
    did         VARCHAR(255) PRIMARY KEY REFERENCES accounts(did) ON DELETE CASCADE,
    commit_cid  VARCHAR(255) NOT NULL,
    rev         VARCHAR(50) NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- records: Secondary index over repo contents, maintained from commit
-- write descriptors. The repo blocks stay authoritative.
CREATE TABLE IF NOT EXISTS records (
    uri        VARCHAR(512) PRIMARY KEY,
    did        VARCHAR(255) NOT NULL,
    collection VARCHAR(255) NOT NULL,
    rkey       VARCHAR(512) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    rev        VARCHAR(50) NOT NULL,
    indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_records_did_collection ON records(did, collection, rkey);

-- record_blobs: Blob CIDs referenced by indexed records. Joined
-- against blobs to find references that were never uploaded.
CREATE TABLE IF NOT EXISTS record_blobs (
    uri      VARCHAR(512) NOT NULL,
    did      VARCHAR(255) NOT NULL,
    blob_cid VARCHAR(255) NOT NULL,
    PRIMARY KEY (uri, blob_cid)
);

CREATE INDEX IF NOT EXISTS idx_record_blobs_did_cid ON record_blobs(did, blob_cid);

-- blobs: Content-addressed media storage for images and other binary data.
CREATE TABLE IF NOT EXISTS blobs (
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    mime_type  VARCHAR(255) NOT NULL,
    size       BIGINT NOT NULL,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (did, cid)
);

-- firehose_events: Sequenced event log for com.atproto.sync.subscribeRepos.
-- Each row is a CBOR-encoded commit event. The BIGSERIAL seq column
-- provides a monotonically increasing cursor for replay.
CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGSERIAL PRIMARY KEY,
    event_type VARCHAR(20) NOT NULL,
    did        VARCHAR(255) NOT NULL,
    payload    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_firehose_events_seq ON firehose_events(seq);
`
