package storage

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	pricesTable  = "spot_prices"
	latestTable  = "latest_spot_prices"
	stagingTable = "latest_spot_prices_staging"
	stealsTable  = "steals"
)

// dialect holds the SQL that differs between Postgres and SQLite. DDL templates
// take the table name as their only argument.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	priceDDL    string
	latestDDL   string
	stealDDL    string
	swapDDL     string
}

const latestIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_latest_spot_prices_region ON latest_spot_prices (region, spot_price);
CREATE INDEX IF NOT EXISTS idx_latest_spot_prices_product ON latest_spot_prices (product_description, spot_price);
CREATE INDEX IF NOT EXISTS idx_latest_spot_prices_timestamp ON latest_spot_prices (timestamp);`

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: sq.Dollar,
	priceDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  BIGSERIAL PRIMARY KEY,
    region              VARCHAR(50)   NOT NULL,
    instance_type       VARCHAR(50)   NOT NULL,
    product_description VARCHAR(100),
    spot_price          NUMERIC(14,6) NOT NULL CHECK (spot_price >= 0),
    availability_zone   VARCHAR(50),
    timestamp           TIMESTAMPTZ   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s (region, instance_type, product_description, timestamp);`,
	latestDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  BIGINT PRIMARY KEY,
    region              VARCHAR(50)   NOT NULL,
    instance_type       VARCHAR(50)   NOT NULL,
    product_description VARCHAR(100),
    spot_price          NUMERIC(14,6) NOT NULL,
    availability_zone   VARCHAR(50),
    timestamp           TIMESTAMPTZ   NOT NULL
);`,
	stealDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  BIGSERIAL PRIMARY KEY,
    source_record_id    BIGINT        NOT NULL,
    region              VARCHAR(50)   NOT NULL,
    instance_type       VARCHAR(50)   NOT NULL,
    product_description VARCHAR(100),
    spot_price          NUMERIC(14,6) NOT NULL,
    timestamp           TIMESTAMPTZ   NOT NULL,
    steal_type          VARCHAR(32)   NOT NULL,
    created_at          TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
    UNIQUE (source_record_id, steal_type)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_price ON %[1]s (spot_price);`,
	// Index names are schema-global in Postgres, so the staging primary key is
	// renamed once the old table (and its key) is gone.
	swapDDL: `
DROP TABLE IF EXISTS latest_spot_prices;
ALTER TABLE latest_spot_prices_staging RENAME TO latest_spot_prices;
ALTER INDEX latest_spot_prices_staging_pkey RENAME TO latest_spot_prices_pkey;` + latestIndexDDL,
}

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: sq.Question,
	priceDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    region              TEXT     NOT NULL,
    instance_type       TEXT     NOT NULL,
    product_description TEXT,
    spot_price          NUMERIC  NOT NULL CHECK (spot_price >= 0),
    availability_zone   TEXT,
    timestamp           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s (region, instance_type, product_description, timestamp);`,
	latestDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  INTEGER PRIMARY KEY,
    region              TEXT     NOT NULL,
    instance_type       TEXT     NOT NULL,
    product_description TEXT,
    spot_price          NUMERIC  NOT NULL,
    availability_zone   TEXT,
    timestamp           DATETIME NOT NULL
);`,
	stealDDL: `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    source_record_id    INTEGER  NOT NULL,
    region              TEXT     NOT NULL,
    instance_type       TEXT     NOT NULL,
    product_description TEXT,
    spot_price          NUMERIC  NOT NULL,
    timestamp           DATETIME NOT NULL,
    steal_type          TEXT     NOT NULL,
    created_at          DATETIME NOT NULL,
    UNIQUE (source_record_id, steal_type)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_price ON %[1]s (spot_price);`,
	swapDDL: `
DROP TABLE IF EXISTS latest_spot_prices;
ALTER TABLE latest_spot_prices_staging RENAME TO latest_spot_prices;` + latestIndexDDL,
}

func (d dialect) schema() string {
	return fmt.Sprintf(d.priceDDL, pricesTable) +
		fmt.Sprintf(d.latestDDL, latestTable) + latestIndexDDL +
		fmt.Sprintf(d.stealDDL, stealsTable)
}

func (d dialect) resetPrices() string {
	return "DROP TABLE IF EXISTS " + pricesTable + ";" + fmt.Sprintf(d.priceDDL, pricesTable)
}

func (d dialect) resetSteals() string {
	return "DROP TABLE IF EXISTS " + stealsTable + ";" + fmt.Sprintf(d.stealDDL, stealsTable)
}

func (d dialect) createStaging() string {
	return "DROP TABLE IF EXISTS " + stagingTable + ";" + fmt.Sprintf(d.latestDDL, stagingTable)
}
