package sshtunnel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jomxxx/mcwdserver2/internal/config"
)

// PoolOpener builds a database handle that connects through addr, the local
// end of the tunnel. The context bounds opening the first connection,
// including the MySQL handshake.
type PoolOpener func(ctx context.Context, addr string) (*gorm.DB, error)

// PoolOptions tunes the MySQL pool.
type PoolOptions struct {
	MaxOpenConns   int
	ConnectTimeout time.Duration
	Location       *time.Location
	Debug          bool
}

// OpenMySQL returns a PoolOpener for the given database over the tunnel.
func OpenMySQL(db config.DatabaseSettings, opts PoolOptions) PoolOpener {
	return func(ctx context.Context, addr string) (*gorm.DB, error) {
		mc := mysql.NewConfig()
		mc.User = db.User
		mc.Passwd = db.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = db.Name
		mc.ParseTime = true
		mc.Timeout = opts.ConnectTimeout
		if opts.Location != nil {
			mc.Loc = opts.Location
		}

		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return nil, fmt.Errorf("mysql config: %w", err)
		}

		sqlDB := sql.OpenDB(connector)
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
			sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
		}
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)

		// mc.Timeout bounds only the dial to the local forwarder; this bounds
		// the MySQL handshake behind it.
		pingCtx := ctx
		if opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}
		if err := sqlDB.PingContext(pingCtx); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("ping %s@%s/%s: %w", db.User, addr, db.Name, err)
		}

		logLevel := logger.Silent
		if opts.Debug {
			logLevel = logger.Warn
		}
		gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: sqlDB}), &gorm.Config{
			Logger: logger.Default.LogMode(logLevel),
		})
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("open gorm: %w", err)
		}
		return gdb, nil
	}
}
