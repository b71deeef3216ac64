package eve

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// quizSessionTTL is how long a quiz stays answerable after launch
	quizSessionTTL = 8 * time.Hour

	// quizSweepInterval is how often expired sessions are evicted
	quizSweepInterval = time.Hour

	quizAnswerCount = 4
)

// AnswerOutcome is the result of evaluating a button press against a
// quiz session.
type AnswerOutcome int

const (
	// AnswerCorrect means the user picked the right answer
	AnswerCorrect AnswerOutcome = iota

	// AnswerWrong means the user picked a wrong answer
	AnswerWrong

	// AnswerAlreadyCorrect means the user already answered this quiz
	// correctly
	AnswerAlreadyCorrect

	// AnswerAlreadyWrong means the user already answered this quiz
	// incorrectly
	AnswerAlreadyWrong

	// AnswerExpired means the quiz's answer window has closed
	AnswerExpired
)

func (o AnswerOutcome) String() string {
	switch o {
	case AnswerCorrect:
		return "correct"
	case AnswerWrong:
		return "wrong"
	case AnswerAlreadyCorrect:
		return "already_correct"
	case AnswerAlreadyWrong:
		return "already_wrong"
	case AnswerExpired:
		return "expired"
	}
	return fmt.Sprintf("AnswerOutcome(%d)", int(o))
}

// QuizSession is a single launched quiz: the question, the shuffled
// answer order shown in the message, and who has answered so far.
type QuizSession struct {
	// MessageID of the quiz message the answer buttons are attached to
	MessageID string

	// ChannelID the quiz message was sent to
	ChannelID string

	Question *QuizQuestion

	// ShuffledAnswers is the order the four answers appear in the
	// message. Button N resolves to ShuffledAnswers[N-1].
	ShuffledAnswers []string

	// StartedAt is when the quiz was launched
	StartedAt time.Time

	mu           sync.Mutex
	rightUserIDs []string
	wrongUserIDs []string
}

// NewQuizSession creates a session for question with an unbiased
// shuffle of its answers.
func NewQuizSession(
	messageID string,
	channelID string,
	question *QuizQuestion,
	startedAt time.Time,
) *QuizSession {
	return &QuizSession{
		MessageID:       messageID,
		ChannelID:       channelID,
		Question:        question,
		ShuffledAnswers: shuffledAnswers(question),
		StartedAt:       startedAt,
	}
}

// shuffledAnswers returns the question's four answers in uniformly
// random order (Fisher-Yates via rand.Shuffle).
func shuffledAnswers(question *QuizQuestion) []string {
	answers := question.Answers()
	rand.Shuffle(
		len(answers), func(i, j int) {
			answers[i], answers[j] = answers[j], answers[i]
		},
	)
	return answers
}

// ExpiresAt returns the instant the session stops accepting answers.
func (s *QuizSession) ExpiresAt() time.Time {
	return s.StartedAt.Add(quizSessionTTL)
}

// Expired reports whether the session's answer window has closed as
// of now.
func (s *QuizSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// Evaluate records user's answer choice (1-based button index) and
// returns the outcome. A user's first answer is final: subsequent
// presses return AnswerAlreadyCorrect or AnswerAlreadyWrong without
// changing anything.
func (s *QuizSession) Evaluate(
	userID string,
	choice int,
	now time.Time,
) (AnswerOutcome, error) {
	if choice < 1 || choice > len(s.ShuffledAnswers) {
		return 0, fmt.Errorf(
			"answer choice %d out of range [1, %d]",
			choice,
			len(s.ShuffledAnswers),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Expired(now) {
		return AnswerExpired, nil
	}
	for _, id := range s.rightUserIDs {
		if id == userID {
			return AnswerAlreadyCorrect, nil
		}
	}
	for _, id := range s.wrongUserIDs {
		if id == userID {
			return AnswerAlreadyWrong, nil
		}
	}

	if s.ShuffledAnswers[choice-1] == s.Question.Answer {
		s.rightUserIDs = append(s.rightUserIDs, userID)
		return AnswerCorrect, nil
	}
	s.wrongUserIDs = append(s.wrongUserIDs, userID)
	return AnswerWrong, nil
}

// RightUserIDs returns the users who have answered correctly, in
// answer order.
func (s *QuizSession) RightUserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.rightUserIDs...)
}

// WrongUserIDs returns the users who have answered incorrectly, in
// answer order.
func (s *QuizSession) WrongUserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.wrongUserIDs...)
}

func (s *QuizSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", s.MessageID),
		slog.String("channel_id", s.ChannelID),
		slog.Time("started_at", s.StartedAt),
		slog.Any("question", s.Question),
	)
}

// QuizSessionStore is the in-memory set of active quizzes, keyed by
// the quiz message ID. Sessions outlive their answer window until the
// next sweep, so late button presses still get an "expired" response
// rather than the generic fallback.
type QuizSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*QuizSession
	logger   *slog.Logger
	nowFunc  func() time.Time
}

func NewQuizSessionStore(logger *slog.Logger) *QuizSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuizSessionStore{
		sessions: map[string]*QuizSession{},
		logger:   logger.With(loggerNameKey, "quiz_sessions"),
		nowFunc:  time.Now,
	}
}

// Add stores the session under its message ID, replacing any previous
// session for the same message.
func (q *QuizSessionStore) Add(session *QuizSession) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[session.MessageID] = session
}

// Get returns the session for messageID, or nil if none exists.
func (q *QuizSessionStore) Get(messageID string) *QuizSession {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sessions[messageID]
}

// Remove deletes the session for messageID, if present.
func (q *QuizSessionStore) Remove(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, messageID)
}

// Len returns the number of stored sessions, expired or not.
func (q *QuizSessionStore) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.sessions)
}

// Sweep evicts every session whose answer window closed before now,
// returning the number evicted.
func (q *QuizSessionStore) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for messageID, session := range q.sessions {
		if session.Expired(now) {
			delete(q.sessions, messageID)
			evicted++
		}
	}
	return evicted
}

// Run sweeps expired sessions every quizSweepInterval until ctx is
// canceled.
func (q *QuizSessionStore) Run(ctx context.Context) {
	ticker := time.NewTicker(quizSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := q.Sweep(q.nowFunc()); evicted > 0 {
				q.logger.Info(
					"evicted expired quiz sessions",
					"evicted", evicted,
					"remaining", q.Len(),
				)
			}
		}
	}
}
