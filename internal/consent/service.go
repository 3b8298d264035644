// Package consent stores the one-time acknowledgment a user gives before
// enrichment may run.
package consent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

const maxAgentLen = 512

// Store is the read side used to gate enrichment.
type Store interface {
	Has(ctx context.Context, userID uuid.UUID) (bool, error)
}

type Service interface {
	Store
	Record(ctx context.Context, in RecordInput) (*models.ConsentRecord, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.ConsentRecord, error)
}

// RecordInput carries the raw client identifier (IP or device id); only its
// keyed hash is stored.
type RecordInput struct {
	UserID      uuid.UUID
	ClientID    string
	ClientAgent string
}

type service struct {
	db  *gorm.DB
	key []byte
	now func() time.Time
}

func NewService(db *gorm.DB, pepper string) (Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if strings.TrimSpace(pepper) == "" {
		return nil, fmt.Errorf("consent pepper required")
	}
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &service{db: db, key: key, now: time.Now}, nil
}

// Record stores consent once; later calls return the original record.
func (s *service) Record(ctx context.Context, in RecordInput) (*models.ConsentRecord, error) {
	if in.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(in.ClientID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "client identifier is required")
	}
	hash, err := s.hash(in.ClientID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash client identifier")
	}
	agent := truncateAgent(strings.TrimSpace(in.ClientAgent))

	rec := &models.ConsentRecord{
		UserID:      in.UserID,
		ConsentedAt: s.now().UTC(),
		ClientHash:  hash,
		ClientAgent: agent,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(rec).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record consent")
	}
	return s.Get(ctx, in.UserID)
}

// truncateAgent caps agent at maxAgentLen bytes without splitting a rune.
func truncateAgent(agent string) string {
	if len(agent) <= maxAgentLen {
		return agent
	}
	cut := maxAgentLen
	for cut > 0 && !utf8.RuneStart(agent[cut]) {
		cut--
	}
	return strings.ToValidUTF8(agent[:cut], "")
}

func (s *service) Get(ctx context.Context, userID uuid.UUID) (*models.ConsentRecord, error) {
	var rec models.ConsentRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no consent on record")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load consent")
	}
	return &rec, nil
}

func (s *service) Has(ctx context.Context, userID uuid.UUID) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ConsentRecord{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check consent")
	}
	return n > 0, nil
}

func (s *service) hash(clientID string) (string, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return "", err
	}
	h.Write([]byte(strings.TrimSpace(clientID)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
