package eve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	customIDFormat = "%s:%s"
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	leaderboardLimit = 10
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

var (
	// ErrQuizQuestionExists is returned when creating a quiz question
	// whose text already exists.
	ErrQuizQuestionExists = errors.New("quiz question already exists")

	// ErrNoQuizQuestions is returned when a quiz is launched but the
	// question table is empty.
	ErrNoQuizQuestions = errors.New("no quiz questions available")
)

const (
	columnUserUsername    = "username"
	columnUserGlobalName  = "global_name"
	columnUserLastSeen    = "last_seen"
	columnUserGoodAnswers = "good_answers"
	columnUserBadAnswers  = "bad_answers"
)

// QuizDifficulty is the difficulty rating assigned to a quiz question.
type QuizDifficulty string

const (
	QuizDifficultyEasy   QuizDifficulty = "easy"
	QuizDifficultyNormal QuizDifficulty = "normal"
	QuizDifficultyHard   QuizDifficulty = "hard"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// User is a Discord user the bot has interacted with, along with their
// all-time quiz score.
type User struct {
	ModelUnixTime

	// ID is the Discord user (snowflake) ID
	ID string `json:"id" gorm:"primaryKey"`

	// Username is the user's Discord username
	Username string `json:"username" gorm:"not null"`

	// GlobalName is the user's global display name
	GlobalName string `json:"global_name" gorm:"not null"`

	// Bot indicates whether this is a bot account. Bot accounts are
	// excluded from leaderboards.
	Bot bool `json:"bot" gorm:"default:false"`

	// GoodAnswers is the number of quiz questions answered correctly,
	// all-time
	GoodAnswers int64 `json:"good_answers" gorm:"default:0"`

	// BadAnswers is the number of quiz questions answered incorrectly,
	// all-time
	BadAnswers int64 `json:"bad_answers" gorm:"default:0"`

	// LastSeen is the unix timestamp (milliseconds) of the last
	// interaction seen from this user
	LastSeen int64 `json:"last_seen"`
}

func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Int64("good_answers", u.GoodAnswers),
		slog.Int64("bad_answers", u.BadAnswers),
	)
}

// NewUser returns a new User populated from a discord user
func NewUser(u discordgo.User) *User {
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

// Total returns the total number of quiz answers this user has given.
func (u User) Total() int64 {
	return u.GoodAnswers + u.BadAnswers
}

// Ratio returns the fraction of this user's answers that were correct,
// in [0, 1]. Users with no answers have a ratio of 0.
func (u User) Ratio() float64 {
	total := u.Total()
	if total == 0 {
		return 0
	}
	return float64(u.GoodAnswers) / float64(total)
}

func (u *User) userChangedDiscordUsername(du discordgo.User) bool {
	return u.Username != du.Username || u.GlobalName != du.GlobalName
}

// QuizQuestion is a user-submitted quiz question with one correct
// answer and three wrong ones.
type QuizQuestion struct {
	ModelUintID
	ModelUnixTime

	// PublicID is a stable, externally usable identifier for the
	// question, assigned at creation
	PublicID string `json:"public_id" gorm:"uniqueIndex; not null"`

	// Question text presented to players, unique across the corpus
	Question string `json:"question" gorm:"uniqueIndex; not null"`

	// Answer is the correct answer
	Answer string `json:"answer" gorm:"not null"`

	// BadAnswer1-3 are the wrong answers shuffled in with the
	// correct one
	BadAnswer1 string `json:"bad_answer_1" gorm:"not null"`
	BadAnswer2 string `json:"bad_answer_2" gorm:"not null"`
	BadAnswer3 string `json:"bad_answer_3" gorm:"not null"`

	// Category the question belongs to (free-form)
	Category string `json:"category" gorm:"not null"`

	// Difficulty rating
	Difficulty QuizDifficulty `json:"difficulty" gorm:"not null"`

	// GuildID is the Discord guild the question was created in
	GuildID string `json:"guild_id"`

	// AuthorID is the Discord user ID of the question's author
	AuthorID string `json:"author_id"`
	Author   *User  `json:"-" gorm:"foreignKey:AuthorID"`

	// LastUsedAt is the unix timestamp (milliseconds) this question
	// was last launched as a quiz
	LastUsedAt int64 `json:"last_used_at"`
}

func (q QuizQuestion) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(q.ID)),
		slog.String("public_id", q.PublicID),
		slog.String("category", q.Category),
		slog.String("difficulty", string(q.Difficulty)),
		slog.String("author_id", q.AuthorID),
	)
}

// Answers returns the correct answer followed by the three wrong ones.
func (q QuizQuestion) Answers() []string {
	return []string{q.Answer, q.BadAnswer1, q.BadAnswer2, q.BadAnswer3}
}

// InteractionLog records each Discord interaction received, for
// troubleshooting
type InteractionLog struct {
	ModelUintID
	ModelUnixTime
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"not null"`
	UserID        string `json:"user_id"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	Content       string `json:"content"`
}

// database wraps the GORM connection. Write operations are serialized
// behind a mutex unless enableConcurrentWrites is set (SQLite only
// supports a single writer).
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	userCache              map[string]*User
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
	randInt64N             func(n int64) int64
}

// NewDatabase initializes a new database instance.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		userCache:              map[string]*User{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
		randInt64N:             rand.Int64N,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) GetUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.userCache[userID]
}

func (d *database) ReloadUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var user User
	if err := d.db.Where("id = ?", userID).Last(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.userCache, userID)
		}
		return nil
	}
	d.userCache[userID] = &user
	return &user
}

// GetOrCreateUser retrieves a user from the cache or the database,
// and creates a new user if one does not exist.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = d.logger
	}

	if user, cachedUser := d.userCache[u.ID]; cachedUser {
		user.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserLastSeen: user.LastSeen}

		if user.userChangedDiscordUsername(u) {
			log.Info(
				"user changed username since last seen",
				slog.Group(
					"old",
					"username", user.Username,
					"global_name", user.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			user.Username = u.Username
			user.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err := d.Updates(ctx, user, updates); err != nil {
			log.Error("error updating user", "user", user, tint.Err(err))
		}
		return user, false, nil
	}

	user := NewUser(u)
	log.InfoContext(ctx, "creating new user", "user", user)

	if _, err := d.Create(ctx, user); err != nil {
		log.Error("error creating user", "user", user, tint.Err(err))
		return nil, true, err
	}

	d.userCache[u.ID] = user
	return user, true, nil
}

// RecordQuizResult increments the user's good or bad answer count in a
// single statement, creating the user row if it doesn't exist yet. The
// returned User reflects the stored counts after the increment.
func (d *database) RecordQuizResult(
	ctx context.Context,
	u discordgo.User,
	correct bool,
) (*User, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	column := columnUserGoodAnswers
	if !correct {
		column = columnUserBadAnswers
	}

	user := NewUser(u)
	if correct {
		user.GoodAnswers = 1
	} else {
		user.BadAnswers = 1
	}

	// `column + 1` on conflict refers to the existing row, so
	// concurrent increments never lose updates
	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					column:               gorm.Expr(column+" + ?", 1),
					columnUserUsername:   u.Username,
					columnUserGlobalName: u.GlobalName,
					columnUserLastSeen:   user.LastSeen,
				},
			),
		},
	).Create(user).Error
	if err != nil {
		return nil, fmt.Errorf("error recording quiz result: %w", err)
	}

	var stored User
	if err = d.db.WithContext(ctx).Where(
		"id = ?", u.ID,
	).First(&stored).Error; err != nil {
		return nil, err
	}

	d.cacheMu.Lock()
	d.userCache[stored.ID] = &stored
	d.cacheMu.Unlock()

	return &stored, nil
}

// CreateQuizQuestion stores a new question, assigning its PublicID.
// Returns ErrQuizQuestionExists if the question text is already stored.
func (d *database) CreateQuizQuestion(
	ctx context.Context,
	question *QuizQuestion,
) error {
	if question.PublicID == "" {
		question.PublicID = uuid.NewString()
	}
	_, err := d.Create(ctx, question)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrQuizQuestionExists
		}
		return err
	}
	return nil
}

// RandomQuizQuestion returns one question chosen uniformly at random,
// or ErrNoQuizQuestions if none are stored.
func (d *database) RandomQuizQuestion(ctx context.Context) (
	*QuizQuestion,
	error,
) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	var count int64
	if err := d.db.WithContext(ctx).Model(
		&QuizQuestion{},
	).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoQuizQuestions
	}

	var question QuizQuestion
	err := d.db.WithContext(ctx).Offset(
		int(d.randInt64N(count)),
	).Limit(1).Order("id").Find(&question).Error
	if err != nil {
		return nil, err
	}
	if question.ID == 0 {
		// row deleted between the count and the select
		return nil, ErrNoQuizQuestions
	}
	return &question, nil
}

// QuizQuestionByText looks up a stored question by its exact question
// text. Used to recover the answer for quiz messages whose session has
// been evicted.
func (d *database) QuizQuestionByText(ctx context.Context, text string) (
	*QuizQuestion,
	error,
) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	var question QuizQuestion
	err := d.db.WithContext(ctx).Where(
		"question = ?", text,
	).First(&question).Error
	if err != nil {
		return nil, err
	}
	return &question, nil
}

// LeaderboardSort selects the ordering of QuizLeaderboard results.
type LeaderboardSort string

const (
	LeaderboardBestScores  LeaderboardSort = "best_scores"
	LeaderboardBestRatios  LeaderboardSort = "best_ratios"
	LeaderboardWorstScores LeaderboardSort = "worst_scores"
)

// QuizLeaderboard returns up to 10 non-bot users who have answered at
// least one question, ordered per sort.
func (d *database) QuizLeaderboard(
	ctx context.Context,
	sort LeaderboardSort,
) ([]User, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	var order string
	switch sort {
	case LeaderboardBestScores:
		order = "good_answers DESC, bad_answers ASC"
	case LeaderboardWorstScores:
		// fewest correct answers, not most wrong ones
		order = "good_answers ASC, bad_answers DESC"
	case LeaderboardBestRatios:
		// multiply first so the division stays floating-point on sqlite
		order = "(good_answers * 1.0) / (good_answers + bad_answers) DESC, good_answers DESC"
	default:
		return nil, fmt.Errorf("unknown leaderboard sort: %q", sort)
	}

	var users []User
	err := d.db.WithContext(ctx).Where(
		"good_answers + bad_answers > 0 AND bot = ?", false,
	).Order(order).Limit(leaderboardLimit).Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		rv := db.Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	GetUser(userID string) *User
	ReloadUser(userID string) *User
	GetOrCreateUser(ctx context.Context, u discordgo.User) (*User, bool, error)

	// RecordQuizResult atomically increments the user's correct or
	// incorrect answer count, creating the user if needed
	RecordQuizResult(ctx context.Context, u discordgo.User, correct bool) (*User, error)

	CreateQuizQuestion(ctx context.Context, question *QuizQuestion) error
	RandomQuizQuestion(ctx context.Context) (*QuizQuestion, error)
	QuizQuestionByText(ctx context.Context, text string) (*QuizQuestion, error)
	QuizLeaderboard(ctx context.Context, sort LeaderboardSort) ([]User, error)

	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and runs migrations.
func CreateDB(ctx context.Context, databaseType string, database string) (
	*gorm.DB,
	error,
) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&User{},
		&QuizQuestion{},
		&InteractionLog{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
