package eve

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	msgQuizNoMessage = "No message found for this quiz."
	msgQuizNoSession = "The quiz has expired or no longer exists."
	msgQuizExpired   = "This quiz has expired. Launch a new one!"

	msgQuizAlreadyRight = "You already answered this question correctly."
	msgQuizAlreadyWrong = "You already answered this question incorrectly."

	msgQuizRightAnswer = "Right answer!"
)

// handleQuizAnswer evaluates a quiz answer button press: it records
// the result against the session and the user's stored score, updates
// the quiz message's respondent fields, and replies ephemerally.
func (e *Eve) handleQuizAnswer(
	ctx context.Context,
	handler InteractionHandler,
	discordUser discordgo.User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	if ackErr := handler.Respond(ctx, e.discord.ackResponse()); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	if i.Message == nil {
		e.editQuizError(ctx, handler, msgQuizNoMessage)
		return
	}

	session := e.quizzes.Get(i.Message.ID)
	if session == nil {
		e.answerWithoutSession(ctx, handler, i.Message)
		return
	}

	_, rawChoice, _ := parseCustomID(i.MessageComponentData().CustomID)
	choice, err := strconv.Atoi(rawChoice)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"malformed answer custom ID",
			"custom_id", i.MessageComponentData().CustomID,
			tint.Err(err),
		)
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	outcome, err := session.Evaluate(discordUser.ID, choice, time.Now())
	if err != nil {
		logger.ErrorContext(ctx, "error evaluating answer", tint.Err(err))
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}
	logger = logger.With("outcome", outcome.String(), "quiz_session", session)
	logger.InfoContext(ctx, "evaluated quiz answer")

	switch outcome {
	case AnswerExpired:
		e.editQuizError(ctx, handler, msgQuizExpired)
		return
	case AnswerAlreadyCorrect:
		e.editQuizError(ctx, handler, msgQuizAlreadyRight)
		return
	case AnswerAlreadyWrong:
		e.editQuizError(ctx, handler, msgQuizAlreadyWrong)
		return
	}

	correct := outcome == AnswerCorrect

	if _, err = e.writeDB.RecordQuizResult(ctx, discordUser, correct); err != nil {
		logger.ErrorContext(ctx, "error recording quiz result", tint.Err(err))
	}

	responseContent := msgQuizRightAnswer
	fieldName := quizFieldRightAnswers
	respondents := session.RightUserIDs()
	if !correct {
		responseContent = fmt.Sprintf(
			"Wrong answer. The right answer was: `%s`",
			session.Question.Answer,
		)
		fieldName = quizFieldWrongAnswers
		respondents = session.WrongUserIDs()
	}

	// re-render the quiz message and answer the press in parallel
	g, gctx := errgroup.WithContext(ctx)

	if len(i.Message.Embeds) > 0 {
		embed := i.Message.Embeds[0]
		updateRespondentField(embed, fieldName, respondents)
		embeds := []*discordgo.MessageEmbed{embed}
		components := quizAnswerButtons()

		g.Go(
			func() error {
				_, editErr := e.discord.session.ChannelMessageEditComplex(
					&discordgo.MessageEdit{
						ID:         i.Message.ID,
						Channel:    i.Message.ChannelID,
						Embeds:     &embeds,
						Components: &components,
					},
				)
				return editErr
			},
		)
	}

	g.Go(
		func() error {
			_, editErr := handler.Edit(
				gctx, &discordgo.WebhookEdit{Content: &responseContent},
			)
			return editErr
		},
	)

	if err = g.Wait(); err != nil {
		logger.ErrorContext(ctx, "error updating quiz message", tint.Err(err))
	}
}

// answerWithoutSession handles a button press on a quiz message whose
// session has been evicted: it recovers the question text from the
// message embed and looks the answer up, so late responders still
// learn it.
func (e *Eve) answerWithoutSession(
	ctx context.Context,
	handler InteractionHandler,
	message *discordgo.Message,
) {
	logger := handler.Logger()

	var questionText string
	if len(message.Embeds) > 0 {
		questionText = questionFromQuizEmbed(message.Embeds[0])
	}
	if questionText == "" {
		e.editQuizError(ctx, handler, msgQuizNoSession)
		return
	}

	question, err := e.writeDB.QuizQuestionByText(ctx, questionText)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.ErrorContext(
				ctx,
				"error recovering quiz question",
				tint.Err(err),
			)
		}
		e.editQuizError(ctx, handler, msgQuizNoSession)
		return
	}

	e.editQuizError(
		ctx,
		handler,
		fmt.Sprintf(
			"%s But the answer to the question was: %s",
			msgQuizNoSession,
			question.Answer,
		),
	)
}
