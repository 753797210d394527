// 包 utils：PostgreSQL 连接工具，统一环境变量读取与连接池配置
package utils

import (
	"database/sql"
	"os"
	"strconv"

	_ "github.com/lib/pq"
)

// BuildPostgresDSNFromEnv：从环境变量拼接 DSN
// 背景：导入器与服务端共用一套 DB_* 变量；默认值对齐 docker-compose 的 travelrecap 实例
func BuildPostgresDSNFromEnv() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("DB_USER")
	if user == "" {
		user = "travelrecap"
	}
	pass := os.Getenv("DB_PASSWORD")
	if pass == "" {
		pass = "travelrecap_password"
	}
	db := os.Getenv("DB_NAME")
	if db == "" {
		db = "travelrecap"
	}
	ssl := os.Getenv("DB_SSLMODE")
	if ssl == "" {
		ssl = "disable"
	}
	dsn := "postgres://" + user
	if pass != "" {
		dsn += ":" + pass
	}
	dsn += "@" + host + ":" + port + "/" + db + "?sslmode=" + ssl
	return dsn
}

// OpenPostgresFromEnv：按环境变量打开数据库并配置连接池
// 约束：导入器单线程运行，连接池上限仅为服务端共用此函数而保留
func OpenPostgresFromEnv() (*sql.DB, error) {
	dsn := BuildPostgresDSNFromEnv()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := 25
	maxIdle := 10
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			maxOpen = n
		}
	}
	if v := os.Getenv("DB_MAX_IDLE_CONNS"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			maxIdle = n
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return db, nil
}
