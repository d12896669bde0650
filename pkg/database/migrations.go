package database

// Each entry upgrades the schema by exactly one version, and records that version.
var migrations = []string{
	`
BEGIN;

CREATE TABLE migrations
(
    version INT PRIMARY KEY NOT NULL,
    created TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE deployment_record
(
    id        TEXT PRIMARY KEY         NOT NULL,
    service   TEXT                     NOT NULL,
    requester TEXT                     NOT NULL,
    status    TEXT                     NOT NULL,
    version   BIGINT                   NOT NULL,
    created   TIMESTAMP WITH TIME ZONE NOT NULL,
    updated   TIMESTAMP WITH TIME ZONE NOT NULL,
    data      JSONB                    NOT NULL
);

CREATE INDEX deployment_record_service_idx ON deployment_record (service, created DESC);

INSERT INTO migrations (version, created)
VALUES (1, now());

COMMIT;
`,
	`
BEGIN;

CREATE TABLE stable_endpoint
(
    service  TEXT PRIMARY KEY         NOT NULL,
    current  TEXT                     NOT NULL,
    previous TEXT                     NOT NULL DEFAULT '',
    updated  TIMESTAMP WITH TIME ZONE NOT NULL
);

INSERT INTO migrations (version, created)
VALUES (2, now());

COMMIT;
`,	`
BEGIN;

CREATE TABLE deployment_record_version
(
    id      TEXT   NOT NULL REFERENCES deployment_record (id) ON DELETE CASCADE,
    version BIGINT NOT NULL,
    data    JSONB  NOT NULL,
    PRIMARY KEY (id, version)
);

INSERT INTO migrations (version, created)
VALUES (3, now());

COMMIT;
`,
}
