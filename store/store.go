// Package store provides a SQLite-backed implementation of the conversation
// store, run ledger and crew repository, so transcripts, run history and crew
// definitions survive restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/crew"
	"github.com/hupe1980/crewmesh/logging"
)

// Options configure a Store.
type Options struct {
	Logger logging.Logger
}

// Store persists conversations, runs and crews in a single SQLite database.
// It implements core.ConversationStore and core.Ledger.
type Store struct {
	db   *gorm.DB
	opts Options
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral database.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&conversationRow{},
		&messageRow{},
		&runRow{},
		&transitionRow{},
		&crewRow{},
		&serverRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// messageRow is the persisted form of core.Message.
type messageRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"index;size:36;not null"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text"`
	AgentID        string `gorm:"size:64"`
	TaskID         string `gorm:"size:36"`
	CreatedAt      time.Time
}

// runRow is the persisted form of core.RunRecord. Plan and outcomes are
// stored as JSON text.
type runRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"index;size:36;not null"`
	Seq            int    `gorm:"not null"`
	Plan           string `gorm:"type:text"`
	Outcomes       string `gorm:"type:text"`
	FinalAnswer    string `gorm:"type:text"`
	Failure        string `gorm:"type:text"`
	StartedAt      time.Time
	EndedAt        *time.Time
}

// transitionRow is the persisted form of core.Transition.
type transitionRow struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	RunID  string `gorm:"index;size:36;not null"`
	Seq    int    `gorm:"not null"`
	Type   string `gorm:"size:32;not null"`
	Detail string `gorm:"type:text"`
	At     time.Time
}

// conversationRow carries per-conversation metadata; messages reference it by
// id. Created lazily on the first append.
type conversationRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Title     string `gorm:"size:256"`
	UserID    string `gorm:"index;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// crewRow is the persisted form of crew.Crew. Agents are stored as JSON text.
type crewRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:active"`
	Agents      string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// serverRow is the persisted form of crew.ServerProfile. The tool catalog is
// stored as JSON text.
type serverRow struct {
	ID       string `gorm:"primaryKey;size:36"`
	Name     string `gorm:"size:128"`
	Endpoint string `gorm:"size:512;not null"`
	Active   bool   `gorm:"default:true"`
	Tools    string `gorm:"type:text"`
}

// AppendMessage implements core.ConversationStore. The conversation row is
// created on first append.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg core.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := conversationRow{ID: conversationID}
		if err := tx.FirstOrCreate(&conv, "id = ?", conversationID).Error; err != nil {
			return err
		}

		row := messageRow{
			ID:             msg.ID,
			ConversationID: conversationID,
			Role:           string(msg.Role),
			Content:        msg.Content,
			AgentID:        msg.AgentID,
			TaskID:         msg.TaskID,
			CreatedAt:      msg.CreatedAt,
		}
		return tx.Create(&row).Error
	})
}

// SetConversationMeta updates a conversation's title and owning user.
func (s *Store) SetConversationMeta(ctx context.Context, conversationID, title, userID string) error {
	conv := conversationRow{ID: conversationID, Title: title, UserID: userID}
	return s.db.WithContext(ctx).Save(&conv).Error
}

// Messages implements core.ConversationStore.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]core.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	msgs := make([]core.Message, len(rows))
	for i, r := range rows {
		msgs[i] = core.Message{
			ID:        r.ID,
			Role:      core.Role(r.Role),
			Content:   r.Content,
			AgentID:   r.AgentID,
			TaskID:    r.TaskID,
			CreatedAt: r.CreatedAt,
		}
	}
	return msgs, nil
}

// StartRun implements core.Ledger.
func (s *Store) StartRun(ctx context.Context, conversationID string) (*core.RunRecord, error) {
	rec := &core.RunRecord{
		ID:             core.NewID(),
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&runRow{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		rec.Seq = maxSeq + 1

		return tx.Create(&runRow{
			ID:             rec.ID,
			ConversationID: conversationID,
			Seq:            rec.Seq,
			StartedAt:      rec.StartedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Record implements core.Ledger. Persistence failures are logged and dropped,
// never surfaced to the round.
func (s *Store) Record(ctx context.Context, runID string, t core.TransitionType, detail string) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&transitionRow{}).
			Where("run_id = ?", runID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		return tx.Create(&transitionRow{
			RunID:  runID,
			Seq:    maxSeq + 1,
			Type:   string(t),
			Detail: detail,
			At:     time.Now().UTC(),
		}).Error
	})
	if err != nil {
		s.opts.Logger.Warn("Transition write failed", "run_id", runID, "type", t, "error", err)
	}
}

// CloseRun implements core.Ledger.
func (s *Store) CloseRun(ctx context.Context, rec *core.RunRecord) error {
	rec.EndedAt = time.Now().UTC()

	updates := map[string]any{
		"final_answer": rec.FinalAnswer,
		"failure":      rec.Failure,
		"ended_at":     rec.EndedAt,
	}
	if rec.Plan != nil {
		if b, err := json.Marshal(rec.Plan); err == nil {
			updates["plan"] = string(b)
		}
	}
	if len(rec.Outcomes) > 0 {
		if b, err := json.Marshal(rec.Outcomes); err == nil {
			updates["outcomes"] = string(b)
		}
	}

	return s.db.WithContext(ctx).
		Model(&runRow{}).
		Where("id = ?", rec.ID).
		Updates(updates).Error
}

// Run loads a run record by id.
func (s *Store) Run(ctx context.Context, runID string) (*core.RunRecord, error) {
	var row runRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", runID).Error; err != nil {
		return nil, err
	}

	rec := &core.RunRecord{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Seq:            row.Seq,
		FinalAnswer:    row.FinalAnswer,
		Failure:        row.Failure,
		StartedAt:      row.StartedAt,
	}
	if row.EndedAt != nil {
		rec.EndedAt = *row.EndedAt
	}
	if row.Plan != "" {
		var plan core.Plan
		if err := json.Unmarshal([]byte(row.Plan), &plan); err == nil {
			rec.Plan = &plan
		}
	}
	if row.Outcomes != "" {
		_ = json.Unmarshal([]byte(row.Outcomes), &rec.Outcomes)
	}

	return rec, nil
}

// Transitions loads a run's transitions in append order.
func (s *Store) Transitions(ctx context.Context, runID string) ([]core.Transition, error) {
	var rows []transitionRow
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	ts := make([]core.Transition, len(rows))
	for i, r := range rows {
		ts[i] = core.Transition{
			RunID:  r.RunID,
			Seq:    r.Seq,
			Type:   core.TransitionType(r.Type),
			Detail: r.Detail,
			At:     r.At,
		}
	}
	return ts, nil
}

// SaveCrew inserts or updates a crew definition.
func (s *Store) SaveCrew(ctx context.Context, c *crew.Crew) error {
	if err := c.Validate(); err != nil {
		return err
	}

	agents, err := json.Marshal(c.Agents)
	if err != nil {
		return err
	}

	status := c.Status
	if status == "" {
		status = crew.StatusActive
	}

	row := crewRow{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Status:      string(status),
		Agents:      string(agents),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Crew loads a crew definition by id.
func (s *Store) Crew(ctx context.Context, id string) (*crew.Crew, error) {
	var row crewRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}

	c := &crew.Crew{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Status:      crew.CrewStatus(row.Status),
	}
	if err := json.Unmarshal([]byte(row.Agents), &c.Agents); err != nil {
		return nil, fmt.Errorf("decode crew agents: %w", err)
	}
	return c, nil
}

// SaveServer inserts or updates a tool server profile.
func (s *Store) SaveServer(ctx context.Context, p crew.ServerProfile) error {
	tools, err := json.Marshal(p.Tools)
	if err != nil {
		return err
	}

	row := serverRow{ID: p.ID, Name: p.Name, Endpoint: p.Endpoint, Active: p.Active, Tools: string(tools)}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Servers loads all tool server profiles, typically to seed a
// crew.ServerRegistry at startup.
func (s *Store) Servers(ctx context.Context) ([]crew.ServerProfile, error) {
	var rows []serverRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	profiles := make([]crew.ServerProfile, len(rows))
	for i, r := range rows {
		profiles[i] = crew.ServerProfile{ID: r.ID, Name: r.Name, Endpoint: r.Endpoint, Active: r.Active}
		if r.Tools != "" {
			_ = json.Unmarshal([]byte(r.Tools), &profiles[i].Tools)
		}
	}
	return profiles, nil
}
