package eve

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuestion() *QuizQuestion {
	return &QuizQuestion{
		Question:   "What color is the sky?",
		Answer:     "Blue",
		BadAnswer1: "Green",
		BadAnswer2: "Red",
		BadAnswer3: "Plaid",
		Category:   "general_knowledge",
		Difficulty: QuizDifficultyEasy,
	}
}

// correctChoice returns the 1-based button index of the correct answer
// in the session's shuffled order.
func correctChoice(t testing.TB, session *QuizSession) int {
	t.Helper()
	for i, answer := range session.ShuffledAnswers {
		if answer == session.Question.Answer {
			return i + 1
		}
	}
	t.Fatalf(
		"correct answer %q not in shuffled answers %v",
		session.Question.Answer,
		session.ShuffledAnswers,
	)
	return 0
}

// wrongChoice returns a 1-based button index of a wrong answer.
func wrongChoice(t testing.TB, session *QuizSession) int {
	t.Helper()
	for i, answer := range session.ShuffledAnswers {
		if answer != session.Question.Answer {
			return i + 1
		}
	}
	t.Fatal("no wrong answers in shuffled answers")
	return 0
}

func TestShuffledAnswersArePermutation(t *testing.T) {
	question := newTestQuestion()
	for i := 0; i < 100; i++ {
		shuffled := shuffledAnswers(question)
		assert.ElementsMatch(t, question.Answers(), shuffled)
	}
}

func TestShuffledAnswersReachEveryPosition(t *testing.T) {
	question := newTestQuestion()

	// over this many shuffles, an unbiased shuffle places the correct
	// answer in every slot with near certainty
	positions := map[int]int{}
	for i := 0; i < 2000; i++ {
		shuffled := shuffledAnswers(question)
		for pos, answer := range shuffled {
			if answer == question.Answer {
				positions[pos]++
			}
		}
	}
	for pos := 0; pos < quizAnswerCount; pos++ {
		assert.Greaterf(
			t,
			positions[pos],
			0,
			"correct answer never landed in position %d",
			pos,
		)
	}
}

func TestQuizSessionExpiry(t *testing.T) {
	started := time.Now()
	session := NewQuizSession("msg", "channel", newTestQuestion(), started)

	assert.Equal(t, started.Add(quizSessionTTL), session.ExpiresAt())
	assert.False(t, session.Expired(started))
	assert.False(t, session.Expired(session.ExpiresAt()))
	assert.True(t, session.Expired(session.ExpiresAt().Add(time.Nanosecond)))
}

func TestQuizSessionEvaluate(t *testing.T) {
	now := time.Now()
	session := NewQuizSession("msg", "channel", newTestQuestion(), now)

	right := correctChoice(t, session)
	wrong := wrongChoice(t, session)

	outcome, err := session.Evaluate("user-a", right, now)
	require.NoError(t, err)
	assert.Equal(t, AnswerCorrect, outcome)

	// a first answer is final
	outcome, err = session.Evaluate("user-a", wrong, now)
	require.NoError(t, err)
	assert.Equal(t, AnswerAlreadyCorrect, outcome)

	outcome, err = session.Evaluate("user-b", wrong, now)
	require.NoError(t, err)
	assert.Equal(t, AnswerWrong, outcome)

	outcome, err = session.Evaluate("user-b", right, now)
	require.NoError(t, err)
	assert.Equal(t, AnswerAlreadyWrong, outcome)

	assert.Equal(t, []string{"user-a"}, session.RightUserIDs())
	assert.Equal(t, []string{"user-b"}, session.WrongUserIDs())
}

func TestQuizSessionEvaluateOutOfRange(t *testing.T) {
	now := time.Now()
	session := NewQuizSession("msg", "channel", newTestQuestion(), now)

	_, err := session.Evaluate("user-a", 0, now)
	require.Error(t, err)

	_, err = session.Evaluate("user-a", 5, now)
	require.Error(t, err)
}

func TestQuizSessionEvaluateExpired(t *testing.T) {
	started := time.Now().Add(-quizSessionTTL - time.Minute)
	session := NewQuizSession("msg", "channel", newTestQuestion(), started)

	outcome, err := session.Evaluate(
		"user-a",
		correctChoice(t, session),
		time.Now(),
	)
	require.NoError(t, err)
	assert.Equal(t, AnswerExpired, outcome)
	assert.Empty(t, session.RightUserIDs())
}

func TestQuizSessionStore(t *testing.T) {
	store := NewQuizSessionStore(nil)
	assert.Equal(t, 0, store.Len())
	assert.Nil(t, store.Get("missing"))

	session := NewQuizSession("msg-1", "channel", newTestQuestion(), time.Now())
	store.Add(session)
	assert.Equal(t, 1, store.Len())
	assert.Same(t, session, store.Get("msg-1"))

	// adding under the same message ID replaces the session
	replacement := NewQuizSession("msg-1", "channel", newTestQuestion(), time.Now())
	store.Add(replacement)
	assert.Equal(t, 1, store.Len())
	assert.Same(t, replacement, store.Get("msg-1"))

	store.Remove("msg-1")
	assert.Equal(t, 0, store.Len())
}

func TestQuizSessionStoreSweep(t *testing.T) {
	store := NewQuizSessionStore(nil)
	now := time.Now()

	for i := 0; i < 3; i++ {
		store.Add(
			NewQuizSession(
				fmt.Sprintf("expired-%d", i),
				"channel",
				newTestQuestion(),
				now.Add(-quizSessionTTL-time.Minute),
			),
		)
	}
	store.Add(NewQuizSession("active", "channel", newTestQuestion(), now))

	evicted := store.Sweep(now)
	assert.Equal(t, 3, evicted)
	assert.Equal(t, 1, store.Len())
	assert.NotNil(t, store.Get("active"))
	assert.Nil(t, store.Get("expired-0"))

	// a second sweep finds nothing to evict
	assert.Equal(t, 0, store.Sweep(now))
}
