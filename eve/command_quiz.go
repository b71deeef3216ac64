package eve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgQuizLaunched = "Quiz launched!"
	msgQuizCreated  = "Question added!"

	msgNoQuizQuestions = "No quiz questions have been created yet. " +
		"Create one before launching a quiz."
	msgQuizQuestionExists = "This question already exists " +
		"*(contact an Eve administrator if you want it removed)*."
	msgQuizGenericError = "Something went wrong while handling the quiz."
)

// leaderboardTitles maps each leaderboard ordering to its display label.
var leaderboardTitles = map[LeaderboardSort]string{
	LeaderboardBestScores:  "Best scores",
	LeaderboardBestRatios:  "Best ratios",
	LeaderboardWorstScores: "Worst scores",
}

// handleQuizCommand dispatches the `/quiz` subcommands.
func (e *Eve) handleQuizCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
) {
	i := handler.GetInteraction()
	options := i.ApplicationCommandData().Options
	if len(options) == 0 {
		handler.Logger().ErrorContext(ctx, "quiz command without subcommand")
		e.editWithError(ctx, handler, msgQuizGenericError)
		return
	}
	sub := options[0]

	switch sub.Name {
	case quizSubcommandLaunch:
		e.quizLaunch(ctx, handler, u)
	case quizSubcommandCreate:
		e.quizCreate(ctx, handler, u, sub)
	case quizSubcommandLeaderboard:
		e.quizLeaderboard(ctx, handler, sub)
	default:
		handler.Logger().WarnContext(
			ctx,
			"unknown quiz subcommand",
			"subcommand", sub.Name,
		)
		e.editWithError(ctx, handler, msgQuizGenericError)
	}
}

// quizLaunch picks a random question, posts the quiz message with its
// answer buttons to the invoking channel, and stores the session.
func (e *Eve) quizLaunch(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	question, err := e.writeDB.RandomQuizQuestion(ctx)
	if err != nil {
		if errors.Is(err, ErrNoQuizQuestions) {
			e.editQuizError(ctx, handler, msgNoQuizQuestions)
			return
		}
		logger.ErrorContext(ctx, "error picking quiz question", tint.Err(err))
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	session := NewQuizSession("", i.ChannelID, question, time.Now())
	embed := quizMessageEmbed(session, u.ID)

	msg, err := e.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: quizAnswerButtons(),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending quiz message", tint.Err(err))
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	session.MessageID = msg.ID
	e.quizzes.Add(session)
	logger.InfoContext(ctx, "launched quiz", "quiz_session", session)

	e.editQuizSuccess(ctx, handler, msgQuizLaunched)

	if _, err = e.writeDB.Updates(
		ctx,
		question,
		map[string]any{"last_used_at": time.Now().UTC().UnixMilli()},
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error updating question last_used_at",
			tint.Err(err),
		)
	}
}

// quizCreate stores a new user-submitted question.
func (e *Eve) quizCreate(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := handler.Logger()
	options := subcommandOptions(sub)

	stringOption := func(name string) string {
		opt := options[name]
		if opt == nil {
			return ""
		}
		return opt.StringValue()
	}

	question := &QuizQuestion{
		Question:   stringOption(quizOptionQuestion),
		Answer:     stringOption(quizOptionAnswer),
		BadAnswer1: stringOption(quizOptionBad1),
		BadAnswer2: stringOption(quizOptionBad2),
		BadAnswer3: stringOption(quizOptionBad3),
		Category:   stringOption(quizOptionCategory),
		Difficulty: QuizDifficulty(stringOption(quizOptionDifficulty)),
		GuildID:    handler.GetInteraction().GuildID,
		AuthorID:   u.ID,
	}

	if err := e.writeDB.CreateQuizQuestion(ctx, question); err != nil {
		if errors.Is(err, ErrQuizQuestionExists) {
			e.editQuizError(ctx, handler, msgQuizQuestionExists)
			return
		}
		logger.ErrorContext(ctx, "error creating quiz question", tint.Err(err))
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	logger.InfoContext(ctx, "created quiz question", "question", question)
	e.editQuizSuccess(ctx, handler, msgQuizCreated)
}

// quizLeaderboard renders the top players under the requested
// ordering.
func (e *Eve) quizLeaderboard(
	ctx context.Context,
	handler InteractionHandler,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := handler.Logger()
	options := subcommandOptions(sub)

	sort := LeaderboardBestScores
	if opt := options[quizOptionLeaderboard]; opt != nil {
		sort = LeaderboardSort(opt.StringValue())
	}

	title, ok := leaderboardTitles[sort]
	if !ok {
		logger.WarnContext(ctx, "unknown leaderboard sort", "sort", sort)
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	users, err := e.writeDB.QuizLeaderboard(ctx, sort)
	if err != nil {
		logger.ErrorContext(ctx, "error loading leaderboard", tint.Err(err))
		e.editQuizError(ctx, handler, msgQuizGenericError)
		return
	}

	embed := newQuizEmbed()
	embed.Title = "Quiz leaderboard"
	embed.Description = fmt.Sprintf("The top quiz players by %s:", title)
	embed.Color = embedColorQuiz

	for rank, user := range users {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: fmt.Sprintf(
					"%d. Ratio: %.1f%%",
					rank+1,
					user.Ratio()*100,
				),
				Value: fmt.Sprintf(
					"<@%s> - Right answers: %d, Wrong answers: %d",
					user.ID,
					user.GoodAnswers,
					user.BadAnswers,
				),
			},
		)
	}

	embeds := []*discordgo.MessageEmbed{embed}
	if _, err = handler.Edit(
		ctx, &discordgo.WebhookEdit{Embeds: &embeds},
	); err != nil {
		logger.ErrorContext(ctx, "error sending leaderboard", tint.Err(err))
	}
}

func (e *Eve) editQuizError(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	embeds := []*discordgo.MessageEmbed{newQuizErrorEmbed(message)}
	if _, err := handler.Edit(
		ctx, &discordgo.WebhookEdit{Embeds: &embeds},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending quiz error response",
			tint.Err(err),
		)
	}
}

func (e *Eve) editQuizSuccess(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	embeds := []*discordgo.MessageEmbed{newQuizSuccessEmbed(message)}
	if _, err := handler.Edit(
		ctx, &discordgo.WebhookEdit{Embeds: &embeds},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending quiz response",
			tint.Err(err),
		)
	}
}
