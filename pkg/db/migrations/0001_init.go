package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type DeploySession struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TokenHash          string            `gorm:"type:text;uniqueIndex;not null"`
	SessionAddress     string            `gorm:"type:text;not null;index:idx_deploy_sessions_sender"`
	SmartWallet        string            `gorm:"type:text;not null;index:idx_deploy_sessions_sender"`
	SessionOwner       string            `gorm:"type:text;not null"`
	SessionOwnerKeyEnc []byte            `gorm:"type:bytea;not null"`
	Payload            datatypes.JSONMap `gorm:"type:jsonb"`
	Step               string            `gorm:"type:text;not null;index"`
	LastError          string            `gorm:"type:text"`
	LastUserOpHash     string            `gorm:"type:text"`
	LastTxHash         string            `gorm:"type:text"`
	ExpiresAt          time.Time         `gorm:"type:timestamptz;not null"`
	CreatedAt          time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt          time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type JoinNonce struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Nonce         string     `gorm:"type:text;not null;uniqueIndex:idx_join_nonces_tuple"`
	Purpose       string     `gorm:"type:text;not null;uniqueIndex:idx_join_nonces_tuple"`
	WalletAddress string     `gorm:"type:text;not null;uniqueIndex:idx_join_nonces_tuple"`
	VaultAddress  string     `gorm:"type:text;not null;uniqueIndex:idx_join_nonces_tuple"`
	IssuedAt      time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	ExpiresAt     time.Time  `gorm:"type:timestamptz;not null"`
	UsedAt        *time.Time `gorm:"type:timestamptz"`
}

type SessionAudit struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	SessionID *uuid.UUID        `gorm:"type:uuid;index"`
	Actor     string            `gorm:"type:text;not null"`
	Action    string            `gorm:"type:text;not null"`
	Step      string            `gorm:"type:text"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	At        time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (SessionAudit) TableName() string { return "session_audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&DeploySession{},
		&JoinNonce{},
		&SessionAudit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&SessionAudit{},
		&JoinNonce{},
		&DeploySession{},
	)
}
