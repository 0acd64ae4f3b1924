package database

// Each entry is applied once, in order, and records its own version.
var migrations = []string{
	`
BEGIN;

CREATE TABLE migrations (
    version int PRIMARY KEY NOT NULL,
    created timestamp with time zone NOT NULL
);

CREATE TABLE environment (
    name       text PRIMARY KEY NOT NULL,
    tier       int NOT NULL,
    active     text NOT NULL DEFAULT '',
    weights    jsonb NOT NULL DEFAULT '{}',
    health     text NOT NULL DEFAULT 'unknown',
    deployment text NOT NULL DEFAULT '',
    version    bigint NOT NULL DEFAULT 0,
    updated    timestamp with time zone NOT NULL
);

CREATE TABLE artifact (
    id            text PRIMARY KEY NOT NULL,
    name          text NOT NULL,
    reference     text NOT NULL,
    revision      text NOT NULL,
    built         timestamp with time zone NOT NULL,
    checksum      text NOT NULL,
    scan_verdict  text NOT NULL,
    scan_findings int NOT NULL,
    scanner       text NOT NULL
);

CREATE TABLE deployment (
    id          text PRIMARY KEY NOT NULL,
    artifact_id text NOT NULL REFERENCES artifact (id),
    environment text NOT NULL REFERENCES environment (name),
    strategy    text NOT NULL,
    state       text NOT NULL,
    previous    text NOT NULL,
    reason      text NOT NULL,
    override    boolean NOT NULL,
    held        boolean NOT NULL DEFAULT false,
    started     timestamp with time zone NOT NULL,
    finished    timestamp with time zone
);

CREATE INDEX deployment_artifact_environment ON deployment (artifact_id, environment);

CREATE TABLE gate_decision (
    seq           bigserial PRIMARY KEY,
    id            text UNIQUE NOT NULL,
    deployment_id text NOT NULL,
    artifact_id   text NOT NULL,
    environment   text NOT NULL,
    criteria      jsonb NOT NULL,
    verdict       text NOT NULL,
    override      boolean NOT NULL,
    created       timestamp with time zone NOT NULL
);

CREATE INDEX gate_decision_artifact_environment ON gate_decision (artifact_id, environment);

CREATE TABLE release_record (
    seq           bigserial PRIMARY KEY,
    id            text UNIQUE NOT NULL,
    deployment_id text NOT NULL,
    artifact_id   text NOT NULL,
    environment   text NOT NULL,
    outcome       text NOT NULL,
    from_artifact text NOT NULL,
    reason        text NOT NULL,
    override      boolean NOT NULL,
    created       timestamp with time zone NOT NULL
);

CREATE INDEX release_record_environment_created ON release_record (environment, created);

INSERT INTO migrations (version, created) VALUES (1, now());

COMMIT;
`,
}
