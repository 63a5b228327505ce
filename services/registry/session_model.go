package registry

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type deploySessionModel struct {
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

func (deploySessionModel) TableName() string { return "deploy_sessions" }

// toSession converts a row into the domain type, failing loudly on any
// malformed column instead of coercing.
func (m deploySessionModel) toSession() (Session, error) {
	step, err := ParseStep(m.Step)
	if err != nil {
		return Session{}, fmt.Errorf("session %s: %w", m.ID, err)
	}

	addrs := map[string]string{
		"session_address": m.SessionAddress,
		"smart_wallet":    m.SmartWallet,
		"session_owner":   m.SessionOwner,
	}
	for column, value := range addrs {
		if !common.IsHexAddress(value) {
			return Session{}, fmt.Errorf("session %s: column %s holds %q, not an address", m.ID, column, value)
		}
	}

	return Session{
		ID:                 m.ID,
		TokenHash:          m.TokenHash,
		SessionAddress:     common.HexToAddress(m.SessionAddress),
		SmartWallet:        common.HexToAddress(m.SmartWallet),
		SessionOwner:       common.HexToAddress(m.SessionOwner),
		SessionOwnerKeyEnc: m.SessionOwnerKeyEnc,
		Payload:            mapFromJSONMap(m.Payload),
		Step:               step,
		LastError:          m.LastError,
		LastUserOpHash:     m.LastUserOpHash,
		LastTxHash:         m.LastTxHash,
		ExpiresAt:          m.ExpiresAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

func modelFromSession(s Session) deploySessionModel {
	return deploySessionModel{
		ID:                 s.ID,
		TokenHash:          s.TokenHash,
		SessionAddress:     s.SessionAddress.Hex(),
		SmartWallet:        s.SmartWallet.Hex(),
		SessionOwner:       s.SessionOwner.Hex(),
		SessionOwnerKeyEnc: s.SessionOwnerKeyEnc,
		Payload:            toJSONMap(s.Payload),
		Step:               string(s.Step),
		LastError:          s.LastError,
		LastUserOpHash:     s.LastUserOpHash,
		LastTxHash:         s.LastTxHash,
		ExpiresAt:          s.ExpiresAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
