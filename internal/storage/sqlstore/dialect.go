package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// dialect 收敛 MySQL 与 SQLite 之间的语法差异。
type dialect struct {
	name         string
	driver       string
	lockSuffix   string
	singleWriter bool
	upsertClause func(keys, columns []string) string
	duplicate    func(err error) bool
}

var dialects = map[string]dialect{
	"mysql": {
		name:       "MySQL",
		driver:     "mysql",
		lockSuffix: " FOR UPDATE",
		upsertClause: func(_ []string, columns []string) string {
			sets := make([]string, 0, len(columns))
			for _, col := range columns {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
			}
			return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		},
		duplicate: func(err error) bool {
			var me *mysql.MySQLError
			return errors.As(err, &me) && me.Number == 1062
		},
	},
	"sqlite": {
		name:         "SQLite",
		driver:       "sqlite3",
		singleWriter: true,
		upsertClause: func(keys, columns []string) string {
			sets := make([]string, 0, len(columns))
			for _, col := range columns {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
			}
			return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
		},
		duplicate: func(err error) bool {
			var se sqlite3.Error
			if !errors.As(err, &se) {
				return false
			}
			return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
		},
	},
}

func dialectFor(driver string) (dialect, error) {
	name := strings.ToLower(strings.TrimSpace(driver))
	if name == "sqlite3" {
		name = "sqlite"
	}
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("不支持的存储驱动: %s", driver)
	}
	return d, nil
}

// insert 生成普通插入语句。
func (d dialect) insert(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders(len(columns)))
}

// upsert 生成按主键覆盖写入的语句，keys 之外的列会被更新。
func (d dialect) upsert(table string, keys, columns []string) string {
	all := append(append([]string{}, keys...), columns...)
	return d.insert(table, all) + d.upsertClause(keys, columns)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
