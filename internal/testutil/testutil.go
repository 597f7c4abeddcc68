// Package testutil 测试用的内存数据库和固定数据
package testutil

import (
	"fmt"
	"testing"
	"time"

	"creditledger/internal/infrastructure/database"
	"creditledger/pkg/idgen"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试一个独立的内存 SQLite 库，表结构与线上一致
//
// 单连接：内存库随连接存在，同时也让并发写在连接上串行化。
// 事务内不要再用 db 本身发查询，否则会等不到连接。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func NewIDGen(t testing.TB) *idgen.Generator {
	t.Helper()
	ids, err := idgen.New(1)
	require.NoError(t, err)
	return ids
}
