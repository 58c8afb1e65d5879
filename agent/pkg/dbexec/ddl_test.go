package dbexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSchemaChanging(t *testing.T) {
	changing := []string{
		"CREATE TABLE t (id int)",
		"  create table t (id int)",
		"CREATE UNIQUE INDEX idx ON t (id)",
		"CREATE INDEX idx ON t (id)",
		"CREATE VIEW v AS SELECT 1",
		"CREATE MATERIALIZED VIEW v AS SELECT 1",
		"CREATE SCHEMA s",
		"CREATE SEQUENCE seq",
		"DROP TABLE t",
		"DROP INDEX idx",
		"DROP VIEW v",
		"DROP SCHEMA s",
		"DROP SEQUENCE seq",
		"ALTER TABLE t ADD COLUMN x int",
		"TRUNCATE TABLE t",
		"TRUNCATE t",
		"RENAME TABLE t TO u",
		"-- comment first\nDROP TABLE t",
		"/* block */ ALTER TABLE t DROP COLUMN x",
	}
	for _, sql := range changing {
		assert.True(t, IsSchemaChanging(sql), sql)
	}

	unchanged := []string{
		"SELECT * FROM t",
		"INSERT INTO t VALUES (1)",
		"UPDATE t SET x = 1 WHERE id = 1",
		"DELETE FROM t WHERE id = 1",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"SELECT 'CREATE TABLE' FROM t",
		"CREATE ROLE someone", // not in the schema-changing set
	}
	for _, sql := range unchanged {
		assert.False(t, IsSchemaChanging(sql), sql)
	}
}
